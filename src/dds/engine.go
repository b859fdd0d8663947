// Package dds implements the Distributed Delivery Service engine: the
// component that ties the gossip broadcaster and the cascade consensus to
// the MLS group state. It gates every inbound message by epoch — past
// epochs are dropped, future epochs buffered — hands proposals and
// application messages to gossip, commits to consensus, and drives the
// epoch lifecycle when a commit is delivered.
package dds

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/HiveNetCode/distributed-mls/src/consensus"
	"github.com/HiveNetCode/distributed-mls/src/gossip"
	"github.com/HiveNetCode/distributed-mls/src/group"
	"github.com/HiveNetCode/distributed-mls/src/net"
	"github.com/HiveNetCode/distributed-mls/src/wire"
)

// WelcomeFn hands a welcome to the client, which joins the group and
// returns the initial state, or nil when the welcome is unusable.
type WelcomeFn func(welcome *group.Welcome) group.GroupState

// MessageFn delivers a gossiped proposal or application message to the
// client. For proposals the client is expected to cache them in the group
// state.
type MessageFn func(msg *group.Message)

// CommitFn delivers an agreed commit to the client, which advances the
// group and returns the next epoch's state.
type CommitFn func(commit *group.Message) group.GroupState

type incompleteCommit struct {
	commit  *group.Message
	missing map[group.ProposalRef]bool
}

// Engine is the delivery service of one group member.
type Engine struct {
	logger *logrus.Entry
	trans  net.Transport

	deliverWelcome WelcomeFn
	deliverMessage MessageFn
	deliverCommit  CommitFn

	gossip  *gossip.Broadcast
	cascade *consensus.Cascade

	state group.GroupState

	proposedCommit    *group.Message
	associatedWelcome *group.Welcome

	futureProposals []*group.Message
	futureCascade   []*group.Message

	receivedProposals map[group.ProposalRef]bool
	incompleteCommits map[group.Ref]*incompleteCommit
}

// NewEngine wires the delivery service. Init (or a welcome) must install a
// group state before anything flows.
func NewEngine(trans net.Transport, rtt time.Duration, selfID []byte,
	deliverWelcome WelcomeFn, deliverMessage MessageFn, deliverCommit CommitFn,
	logger *logrus.Entry) *Engine {

	e := &Engine{
		logger:            logger.WithField("prefix", "dds"),
		trans:             trans,
		deliverWelcome:    deliverWelcome,
		deliverMessage:    deliverMessage,
		deliverCommit:     deliverCommit,
		receivedProposals: make(map[group.ProposalRef]bool),
		incompleteCommits: make(map[group.Ref]*incompleteCommit),
	}

	e.gossip = gossip.NewBroadcast(trans, selfID, e.handleGossipDelivery, logger)
	e.cascade = consensus.NewCascade(trans, rtt, e.handleCommit, e.chooseCommit,
		e.handleConsensusDelivery, logger)

	return e
}

// Init installs the initial group state, for the group creator and for
// members joining through a welcome.
func (e *Engine) Init(state group.GroupState) {
	e.state = state
	e.advanceEpoch()

	e.gossip.Init(state)
	e.cascade.NewEpoch(state)
}

// State returns the current group state, nil before the member joined.
func (e *Engine) State() group.GroupState {
	return e.state
}

// Gossip exposes the gossip component, for introspection.
func (e *Engine) Gossip() *gossip.Broadcast {
	return e.gossip
}

// ReceiveNetworkMessage decodes and routes one frame from a peer. Decode
// failures drop the frame and keep the connection.
func (e *Engine) ReceiveNetworkMessage(frame []byte) {
	msg, err := wire.ParseDDSMessage(frame)
	if err != nil {
		e.logger.WithError(err).Debug("Dropping malformed frame")
		return
	}

	switch msg.Type {
	case wire.DDSWelcome:
		if e.state != nil {
			return // already in a group
		}
		if state := e.deliverWelcome(msg.Welcome); state != nil {
			e.Init(state)
		}

	case wire.DDSGossip:
		e.gossip.ReceiveMessage(msg.Gossip)

	case wire.DDSCascadeConsensus:
		e.handleCascadeReception(msg.Protected)
	}
}

// BroadcastProposalOrMessage disseminates a locally originated proposal or
// application message through gossip.
func (e *Engine) BroadcastProposalOrMessage(msg *group.Message) {
	if e.state == nil {
		return
	}
	e.gossip.DispatchMessage(msg)
}

// CanProposeCommit reports whether a commit may be proposed: at most one
// committing cascade runs per epoch.
func (e *Engine) CanProposeCommit() bool {
	return !e.cascade.CAC1HasStarted()
}

// ProposeCommit enters the cascade with a locally built commit and keeps
// the welcome to send to any members the commit adds.
func (e *Engine) ProposeCommit(commit *group.Message, welcome *group.Welcome) {
	if e.state == nil {
		return
	}

	e.proposedCommit = commit
	e.associatedWelcome = welcome

	e.cascade.ProposeCommit(commit)
}

/*******************************************************************************
Gossip path
*******************************************************************************/

func (e *Engine) handleGossipDelivery(msg *group.Message) {
	if e.state == nil {
		e.futureProposals = append(e.futureProposals, msg)
		return
	}

	if msg.Epoch < e.state.Epoch() {
		return
	}
	if msg.Epoch > e.state.Epoch() {
		e.futureProposals = append(e.futureProposals, msg)
		return
	}
	e.handleProposal(msg)
}

func (e *Engine) handleProposal(msg *group.Message) {
	if ref, ok := e.state.ValidProposal(msg); ok {
		// the client caches the proposal into the group state before the
		// commits referencing it are re-examined
		e.deliverMessage(msg)

		e.receivedProposals[ref] = true
		e.lookUnlockCommits(ref)
	} else if _, ok := e.state.ValidApplicationMessage(msg); ok {
		e.deliverMessage(msg)
	}
}

// lookUnlockCommits re-examines buffered commits: any commit whose
// referenced proposals are now all present goes to consensus validation.
func (e *Engine) lookUnlockCommits(newRef group.ProposalRef) {
	for commitRef, waiting := range e.incompleteCommits {
		if !waiting.missing[newRef] {
			continue
		}
		delete(waiting.missing, newRef)

		if len(waiting.missing) == 0 {
			delete(e.incompleteCommits, commitRef)
			e.handleCompleteCommit(waiting.commit)
		}
	}
}

/*******************************************************************************
Consensus path
*******************************************************************************/

func (e *Engine) handleCascadeReception(protected *group.Message) {
	if e.state == nil {
		e.futureCascade = append(e.futureCascade, protected)
		return
	}

	if protected.Epoch < e.state.Epoch() {
		return
	}
	if protected.Epoch > e.state.Epoch() {
		e.futureCascade = append(e.futureCascade, protected)
		return
	}
	e.handleCascadeMessage(protected)
}

func (e *Engine) handleCascadeMessage(protected *group.Message) {
	content, ok := e.state.ValidApplicationMessage(protected)
	if !ok {
		e.logger.Debug("Dropping invalid consensus envelope")
		return
	}

	msg, err := wire.ParseCascadeMessage(content)
	if err != nil {
		e.logger.WithError(err).Debug("Dropping malformed consensus message")
		return
	}

	e.cascade.ReceiveMessage(msg)
}

// handleCommit receives commits surfaced by the cascade (learned from
// consensus chatter or ratified locally) and holds them until every
// referenced proposal is present.
func (e *Engine) handleCommit(msg *group.Message) {
	refs, ok := e.state.ValidCommit(msg)
	if !ok {
		return
	}

	missing := make(map[group.ProposalRef]bool)
	for _, ref := range refs {
		if !e.receivedProposals[ref] {
			missing[ref] = true
		}
	}

	if len(missing) == 0 {
		e.handleCompleteCommit(msg)
	} else {
		e.incompleteCommits[e.state.Suite().MessageRef(msg)] = &incompleteCommit{
			commit:  msg,
			missing: missing,
		}
	}
}

func (e *Engine) handleCompleteCommit(msg *group.Message) {
	e.cascade.ValidateCommit(msg)
}

// chooseCommit is the deterministic choice: most proposals first, then
// smallest sender leaf index, then smallest message reference.
func (e *Engine) chooseCommit(candidates []*group.Message) *group.Message {
	best := candidates[0]
	bestCount := e.state.CommitProposalCount(best)
	bestSender, _ := e.state.CommitSender(best)
	bestRef := e.state.Suite().MessageRef(best)

	for _, commit := range candidates[1:] {
		count := e.state.CommitProposalCount(commit)
		sender, _ := e.state.CommitSender(commit)
		ref := e.state.Suite().MessageRef(commit)

		better := count > bestCount ||
			(count == bestCount && sender < bestSender) ||
			(count == bestCount && sender == bestSender && ref < bestRef)

		if better {
			best, bestCount, bestSender, bestRef = commit, count, sender, ref
		}
	}
	return best
}

// handleConsensusDelivery finishes an epoch: the client applies the commit,
// welcomes go out to added members, and every per-epoch structure resets.
func (e *Engine) handleConsensusDelivery(commit *group.Message) {
	added, removed := e.state.CommitMembershipChanges(commit)

	newState := e.deliverCommit(commit)
	if newState == nil {
		e.logger.Error("Client rejected an agreed commit")
		return
	}

	suite := newState.Suite()
	if e.proposedCommit != nil && len(added) > 0 &&
		suite.MessageRef(commit) == suite.MessageRef(e.proposedCommit) {
		e.sendWelcome(added, e.associatedWelcome)
	}

	e.state = newState
	e.gossip.NewEpoch(newState, removed)
	e.cascade.NewEpoch(newState)

	e.advanceEpoch()
}

func (e *Engine) sendWelcome(added [][]byte, welcome *group.Welcome) {
	if welcome == nil {
		return
	}

	frame := (&wire.DDSMessage{
		Type:    wire.DDSWelcome,
		Welcome: welcome,
	}).Marshal()

	ids := make([]string, 0, len(added))
	for _, identity := range added {
		ids = append(ids, string(identity))
	}
	e.trans.BroadcastSample(ids, frame)
}

// advanceEpoch garbage-collects per-epoch state and drains buffered
// messages whose epoch has arrived.
func (e *Engine) advanceEpoch() {
	e.receivedProposals = make(map[group.ProposalRef]bool)
	e.incompleteCommits = make(map[group.Ref]*incompleteCommit)

	e.proposedCommit = nil
	e.associatedWelcome = nil

	var laterProposals []*group.Message
	drainProposals := e.futureProposals
	e.futureProposals = nil
	for _, msg := range drainProposals {
		switch {
		case msg.Epoch == e.state.Epoch():
			e.handleProposal(msg)
		case msg.Epoch > e.state.Epoch():
			laterProposals = append(laterProposals, msg)
		}
	}
	e.futureProposals = append(laterProposals, e.futureProposals...)

	var laterCascade []*group.Message
	drainCascade := e.futureCascade
	e.futureCascade = nil
	for _, msg := range drainCascade {
		switch {
		case msg.Epoch == e.state.Epoch():
			e.handleCascadeMessage(msg)
		case msg.Epoch > e.state.Epoch():
			laterCascade = append(laterCascade, msg)
		}
	}
	e.futureCascade = append(laterCascade, e.futureCascade...)
}
