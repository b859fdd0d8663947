// Package client implements the MLS client application on top of the
// delivery service: it owns the member's credentials, turns CLI commands
// into proposals and commits, and applies whatever the delivery service
// agrees on.
package client

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.dedis.ch/kyber/v3"

	"github.com/HiveNetCode/distributed-mls/src/dds"
	"github.com/HiveNetCode/distributed-mls/src/group"
	"github.com/HiveNetCode/distributed-mls/src/net"
	"github.com/HiveNetCode/distributed-mls/src/pki"
	"github.com/HiveNetCode/distributed-mls/src/service"
)

// GroupID is the well-known identifier of the single group this proof of
// concept operates on.
var GroupID = []byte{0xAB, 0xCD}

// Client is one MLS member: credentials, group state, delivery service.
type Client struct {
	logger *logrus.Entry
	out    io.Writer

	identity []byte
	trans    net.Transport
	pki      *pki.Client
	rtt      time.Duration

	identityKey kyber.Scalar
	pubKeyBytes []byte
	keyPackage  *group.KeyPackage

	engine *dds.Engine

	state *group.BasicGroup

	proposedCommit  *group.Message
	associatedState *group.BasicGroup

	commitTimer      net.TimerID
	commitTimerArmed bool

	stats *service.Service
}

// NewClient generates the member's credentials and wires the delivery
// service. The client is idle until `create` or a welcome arrives.
func NewClient(identity string, trans net.Transport, pkiClient *pki.Client,
	rtt time.Duration, logger *logrus.Entry) (*Client, error) {

	identityKey, pubKeyBytes, err := group.GenerateKey()
	if err != nil {
		return nil, err
	}

	c := &Client{
		logger:      logger.WithField("prefix", "client"),
		out:         os.Stdout,
		identity:    []byte(identity),
		trans:       trans,
		pki:         pkiClient,
		rtt:         rtt,
		identityKey: identityKey,
		pubKeyBytes: pubKeyBytes,
		keyPackage: &group.KeyPackage{
			Identity: []byte(identity),
			PubKey:   pubKeyBytes,
		},
	}

	c.engine = dds.NewEngine(trans, rtt, c.identity,
		c.handleWelcome, c.handleProposalOrMessage, c.handleCommit, logger)

	return c, nil
}

// SetOutput redirects user-facing output, used by tests.
func (c *Client) SetOutput(out io.Writer) {
	c.out = out
}

// SetStatsService attaches the optional HTTP stats service.
func (c *Client) SetStatsService(stats *service.Service) {
	c.stats = stats
	c.publishStats()
}

// KeyPackage returns the member's published credential.
func (c *Client) KeyPackage() *group.KeyPackage {
	return c.keyPackage
}

// Engine exposes the delivery service, for tests.
func (c *Client) Engine() *dds.Engine {
	return c.engine
}

// State returns the current group state, nil before joining.
func (c *Client) State() *group.BasicGroup {
	return c.state
}

// PublishKeyPackage registers the member with the PKI.
func (c *Client) PublishKeyPackage(port uint16) error {
	return c.pki.Publish(string(c.identity), port, [][]byte{c.keyPackage.Marshal()})
}

// HandleFrame routes one network frame into the delivery service.
func (c *Client) HandleFrame(frame []byte) {
	c.engine.ReceiveNetworkMessage(frame)
}

// HandleCommand executes one CLI line. It returns false when the client
// should stop.
func (c *Client) HandleCommand(line string) bool {
	command, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch command {
	case "":
		// ignore blank lines

	case "create":
		c.Create()

	case "add", "remove", "message":
		if arg == "" {
			fmt.Fprintf(c.out, "Error: missing argument for command %s\n", command)
			break
		}
		switch command {
		case "add":
			c.Add(arg)
		case "remove":
			c.Remove(arg)
		case "message":
			c.Message(arg)
		}

	case "update":
		c.Update()

	case "stop":
		return false

	default:
		fmt.Fprintln(c.out, "Invalid command")
	}

	return true
}

/*******************************************************************************
Commands
*******************************************************************************/

// Create starts a new group with this member as only leaf.
func (c *Client) Create() {
	if c.state != nil {
		return
	}

	state, err := group.NewGroup(GroupID, c.identity, c.identityKey, c.pubKeyBytes)
	if err != nil {
		c.logger.WithError(err).Error("Creating group failed")
		return
	}

	c.state = state
	c.engine.Init(state)
	c.publishStats()
}

// Add proposes adding one or more members, comma-separated. Each identity
// is looked up in the PKI, consuming one prekey.
func (c *Client) Add(ids string) {
	if c.state == nil {
		return
	}

	for _, id := range strings.Split(ids, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}

		resp, err := c.pki.Query(id)
		if err != nil {
			fmt.Fprintf(c.out, "User not found: %s\n", id)
			c.logger.WithError(err).WithField("id", id).Warn("PKI query failed")
			continue
		}

		kp, err := group.ParseKeyPackage(resp.PreKey)
		if err != nil {
			c.logger.WithError(err).WithField("id", id).Warn("Bad key package")
			continue
		}

		proposal, err := c.state.AddProposal(kp)
		if err != nil {
			c.logger.WithError(err).Error("Building add proposal failed")
			continue
		}
		c.engine.BroadcastProposalOrMessage(proposal)
	}
}

// Remove proposes removing a member.
func (c *Client) Remove(id string) {
	if c.state == nil {
		return
	}

	proposal, err := c.state.RemoveProposal([]byte(id))
	if err != nil {
		fmt.Fprintf(c.out, "Unknown member: %s\n", id)
		return
	}
	c.engine.BroadcastProposalOrMessage(proposal)
}

// Update proposes refreshing the local leaf key.
func (c *Client) Update() {
	if c.state == nil {
		return
	}

	proposal, err := c.state.UpdateProposal()
	if err != nil {
		c.logger.WithError(err).Error("Building update proposal failed")
		return
	}
	c.engine.BroadcastProposalOrMessage(proposal)
}

// Message sends an application message to the group.
func (c *Client) Message(text string) {
	if c.state == nil {
		return
	}

	msg, err := c.state.Protect([]byte(text))
	if err != nil {
		c.logger.WithError(err).Error("Protecting message failed")
		return
	}
	c.engine.BroadcastProposalOrMessage(msg)
}

/*******************************************************************************
Commit handling
*******************************************************************************/

// Commit builds a commit over the cached proposals and proposes it to the
// cascade. The commit is built on a copy of the state so dropping the
// pending self-update leaves the live state intact.
func (c *Client) Commit() {
	if c.state == nil || c.proposedCommit != nil || !c.engine.CanProposeCommit() {
		return
	}
	if c.state.PendingProposalCount() == 0 {
		return
	}

	work := c.state.Clone()
	work.RemoveSelfUpdate()

	commit, welcome, next, err := work.Commit(work.FreshSecret())
	if err != nil {
		c.logger.WithError(err).Error("Building commit failed")
		return
	}

	c.proposedCommit = commit
	c.associatedState = next

	c.engine.ProposeCommit(commit, welcome)
}

/*******************************************************************************
Delivery service callbacks
*******************************************************************************/

func (c *Client) handleWelcome(welcome *group.Welcome) group.GroupState {
	if c.state != nil {
		return nil
	}

	state, err := group.JoinGroup(welcome, c.identity, c.identityKey)
	if err != nil {
		c.logger.WithError(err).Error("Joining group failed")
		return nil
	}
	c.state = state

	for _, member := range state.Members() {
		if member.Index == state.Index() {
			continue
		}
		if err := c.trans.Connect(string(member.Identity)); err != nil {
			c.logger.WithError(err).Warn("Connecting to member failed")
		}
	}

	fmt.Fprintf(c.out, "Joined group epoch %d\n", state.Epoch())
	c.publishStats()
	return state
}

func (c *Client) handleProposalOrMessage(msg *group.Message) {
	if content, ok := c.state.ValidApplicationMessage(msg); ok {
		fmt.Fprintf(c.out, "Message: %s\n", content)
		return
	}

	if _, ok := c.state.ValidProposal(msg); !ok {
		return
	}

	fromSelf := c.state.IsProposalFromSelf(msg)
	if _, err := c.state.HandleProposal(msg); err != nil {
		c.logger.WithError(err).Warn("Caching proposal failed")
		return
	}

	// auto-commit: own proposals commit after one RTT, remote ones leave
	// time for the proposer to commit first
	if !c.commitTimerArmed && c.proposedCommit == nil {
		delay := 2 * c.rtt
		if fromSelf {
			delay = c.rtt
		}

		c.commitTimer = c.trans.RegisterTimeout(delay, func() {
			c.commitTimerArmed = false
			c.Commit()
		})
		c.commitTimerArmed = true
	}
}

func (c *Client) handleCommit(commit *group.Message) group.GroupState {
	if _, ok := c.state.ValidCommit(commit); !ok {
		return nil
	}

	added, removed := c.state.CommitMembershipChanges(commit)

	for _, id := range added {
		fmt.Fprintf(c.out, "Added: %s\n", id)
		if err := c.trans.Connect(string(id)); err != nil {
			c.logger.WithError(err).Warn("Connecting to added member failed")
		}
	}
	for _, id := range removed {
		fmt.Fprintf(c.out, "Removed: %s\n", id)
		c.trans.Disconnect(string(id))
	}

	suite := c.state.Suite()
	if c.proposedCommit != nil &&
		suite.MessageRef(commit) == suite.MessageRef(c.proposedCommit) {
		c.state = c.associatedState
		fmt.Fprintf(c.out, "Local commit new epoch %d\n", c.state.Epoch())
	} else {
		next, err := c.state.HandleCommit(commit)
		if err != nil {
			c.logger.WithError(err).Error("Applying commit failed")
			return nil
		}
		c.state = next
		fmt.Fprintf(c.out, "Remote commit new epoch %d\n", c.state.Epoch())
	}

	c.proposedCommit = nil
	c.associatedState = nil
	if c.commitTimerArmed {
		c.trans.UnregisterTimeout(c.commitTimer)
		c.commitTimerArmed = false
	}

	c.publishStats()
	return c.state
}

func (c *Client) publishStats() {
	if c.stats == nil {
		return
	}

	stats := service.Stats{Identity: string(c.identity)}
	if c.state != nil {
		stats.Epoch = c.state.Epoch()
		for _, member := range c.state.Members() {
			stats.Members = append(stats.Members, string(member.Identity))
		}
		stats.SampleSize = c.engine.Gossip().SampleSize()
	}
	c.stats.Publish(stats)
}
