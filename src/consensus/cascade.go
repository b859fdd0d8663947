package consensus

import (
	"bytes"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/HiveNetCode/distributed-mls/src/group"
	"github.com/HiveNetCode/distributed-mls/src/net"
	"github.com/HiveNetCode/distributed-mls/src/wire"
)

// CACK is the k parameter of both CAC instances in this deployment.
const CACK = 1

// TransmitCommitFn surfaces a commit first learned through consensus
// chatter to the delivery service, which routes it through commit
// validation.
type TransmitCommitFn func(commit *group.Message)

// ChooseCommitFn deterministically picks one commit among candidates; all
// honest members must pick the same one.
type ChooseCommitFn func(candidates []*group.Message) *group.Message

// DeliverCommitFn delivers the commit the cascade agreed on.
type DeliverCommitFn func(commit *group.Message)

// Cascade orchestrates the agreement pipeline for one epoch's commit:
//
//	CAC₁ broadcasts commits; a singleton conflict set delivers directly.
//	Restrained consensus runs among the authors of a larger conflict set,
//	while non-authors arm a fall-through timer.
//	CAC₂ broadcasts the restrained result (or ⊥'s accumulated state).
//	Full consensus decides if CAC₂ still conflicts.
//
// All consensus traffic leaves protected under the group's envelope, so
// only members can produce it and stale epochs are rejected on arrival.
type Cascade struct {
	logger *logrus.Entry
	trans  net.Transport
	rtt    time.Duration

	state group.GroupState

	choose   ChooseCommitFn
	deliver  DeliverCommitFn
	transmit TransmitCommitFn

	cac1 *CAC[*group.Message]
	cac2 *CAC[*wire.CAC2Content]
	rc   *Restrained
	fc   *Full

	delivered []group.Ref

	rcTimeout      net.TimerID
	rcTimeoutArmed bool

	consensusProposed bool
}

// NewCascade wires the four consensus components together.
func NewCascade(trans net.Transport, rtt time.Duration, transmit TransmitCommitFn,
	choose ChooseCommitFn, deliver DeliverCommitFn, logger *logrus.Entry) *Cascade {

	c := &Cascade{
		logger:   logger.WithField("prefix", "cascade"),
		trans:    trans,
		rtt:      rtt,
		choose:   choose,
		deliver:  deliver,
		transmit: transmit,
	}

	messageCodec := Codec[*group.Message]{
		Marshal:   func(m *group.Message) []byte { return m.Marshal() },
		Unmarshal: group.ParseMessage,
		RefOf:     func(m *group.Message) group.Ref { return c.state.Suite().MessageRef(m) },
	}
	c.cac1 = NewCAC[*group.Message](CACK, messageCodec,
		func(candidates []*group.Message) *group.Message { return c.choose(candidates) },
		func(commit *group.Message) { c.transmit(commit) },
		c.handleCAC1Delivery,
		c.emitCAC1,
		c.logger.WithField("instance", 1))

	cac2Codec := Codec[*wire.CAC2Content]{
		Marshal:   func(content *wire.CAC2Content) []byte { return content.Marshal() },
		Unmarshal: wire.ParseCAC2Content,
		RefOf:     func(content *wire.CAC2Content) group.Ref { return content.RefOf(c.state.Suite()) },
	}
	c.cac2 = NewCAC[*wire.CAC2Content](CACK, cac2Codec,
		c.handleCAC2Choice,
		c.handleCAC2Candidate,
		c.handleCAC2Delivery,
		c.emitCAC2,
		c.logger.WithField("instance", 2))

	c.rc = NewRestrained(trans, rtt, c.handleRCDeliver, c.handleRCBottom,
		c.emitRC, c.logger.WithField("prefix", "restrained"))

	c.fc = NewFull(trans, rtt, c.broadcastFC, c.sendFC, c.handleFCDelivery,
		c.logger.WithField("prefix", "pbft"))

	return c
}

// NewEpoch resets every component for the new epoch's state.
func (c *Cascade) NewEpoch(state group.GroupState) {
	c.state = state

	c.cac1.NewEpoch(state)
	c.cac2.NewEpoch(state)
	c.rc.NewEpoch(state)
	c.fc.NewEpoch(state)

	c.delivered = nil
	c.disarmRCTimeout()
	c.consensusProposed = false
}

// ProposeCommit enters the cascade with a locally built commit.
func (c *Cascade) ProposeCommit(commit *group.Message) {
	c.cac1.Broadcast(commit)
}

// ValidateCommit ratifies a commit received from the gossip layer.
func (c *Cascade) ValidateCommit(commit *group.Message) {
	c.cac1.ValidateMessage(commit)
}

// CAC1HasStarted reports whether the cascade is already in progress, in
// which case the caller must not propose another commit this epoch.
func (c *Cascade) CAC1HasStarted() bool {
	return c.cac1.HasStarted()
}

// ReceiveMessage routes one protected consensus message.
func (c *Cascade) ReceiveMessage(msg *wire.CascadeMessage) {
	switch msg.Type {
	case wire.CascadeCAC:
		if msg.Instance != 1 {
			c.logger.WithField("instance", msg.Instance).Warn("Unexpected CAC instance")
			return
		}
		c.cac1.ReceiveMessage(msg.CAC)

	case wire.CascadeCAC2:
		if msg.Instance != 2 {
			c.logger.WithField("instance", msg.Instance).Warn("Unexpected CAC instance")
			return
		}
		c.cac2.ReceiveMessage(msg.CAC)

	case wire.CascadeRC:
		c.rc.ReceiveMessage(msg.RC)

	case wire.CascadeFC:
		c.fc.ReceiveMessage(msg.Cons)
	}
}

/*******************************************************************************
Outbound wiring
*******************************************************************************/

// protect wraps a cascade message in the group envelope and frames it.
func (c *Cascade) protect(msg *wire.CascadeMessage) ([]byte, bool) {
	protected, err := c.state.Protect(msg.Marshal())
	if err != nil {
		c.logger.WithError(err).Error("Protecting consensus message failed")
		return nil, false
	}

	return (&wire.DDSMessage{
		Type:      wire.DDSCascadeConsensus,
		Protected: protected,
	}).Marshal(), true
}

func (c *Cascade) emitCAC1(msg *wire.CACMessage) {
	frame, ok := c.protect(&wire.CascadeMessage{Instance: 1, Type: wire.CascadeCAC, CAC: msg})
	if !ok {
		return
	}
	c.trans.Broadcast(frame)

	// a network broadcast does not include the local node
	c.cac1.ReceiveMessage(msg)
}

func (c *Cascade) emitCAC2(msg *wire.CACMessage) {
	frame, ok := c.protect(&wire.CascadeMessage{Instance: 2, Type: wire.CascadeCAC2, CAC: msg})
	if !ok {
		return
	}
	c.trans.Broadcast(frame)

	c.cac2.ReceiveMessage(msg)
}

func (c *Cascade) emitRC(msg *wire.RestrainedMessage, recipients []string) {
	frame, ok := c.protect(&wire.CascadeMessage{Instance: 1, Type: wire.CascadeRC, RC: msg})
	if !ok {
		return
	}
	c.trans.BroadcastSample(recipients, frame)
}

func (c *Cascade) broadcastFC(msg *wire.ConsensusMessage) {
	frame, ok := c.protect(&wire.CascadeMessage{Instance: 0, Type: wire.CascadeFC, Cons: msg})
	if !ok {
		return
	}
	c.trans.Broadcast(frame)
}

func (c *Cascade) sendFC(msg *wire.ConsensusMessage, recipient string) {
	frame, ok := c.protect(&wire.CascadeMessage{Instance: 0, Type: wire.CascadeFC, Cons: msg})
	if !ok {
		return
	}
	c.trans.Send(recipient, frame)
}

/*******************************************************************************
Cascade plumbing
*******************************************************************************/

func (c *Cascade) handleCAC1Delivery(commit *group.Message, conflictSet []group.Ref, sigs []*Signature) {
	c.delivered = append(c.delivered, c.state.Suite().MessageRef(commit))

	if len(conflictSet) == 1 {
		c.deliver(commit)
		return
	}

	c.logger.WithField("conflicts", len(conflictSet)).Info("CAC1 delivered a conflict")

	sender, ok := c.state.CommitSender(commit)
	if ok && sender == c.state.Index() {
		// We authored one of the conflicting commits: run restrained
		// consensus among the authors.
		var pairs []wire.RefPair
		for _, ref := range conflictSet {
			conflicting, seen := c.cac1.Messages()[ref]
			if !seen {
				continue
			}
			if confSender, senderOk := c.state.CommitSender(conflicting); senderOk {
				pairs = append(pairs, wire.RefPair{Sender: confSender, Ref: ref})
			}
		}
		c.rc.Propose(pairs, sigs)
	} else if !c.rcTimeoutArmed {
		// Not a participant: wait for the participants, then fall through
		// to the second CAC instance.
		c.rcTimeout = c.trans.RegisterTimeout(3*c.rtt, func() {
			c.rcTimeoutArmed = false
			c.handleRCBottom()
		})
		c.rcTimeoutArmed = true
	}
}

// sortAuthsByApplication orders signatures by their signed payload so that
// members broadcasting the same result serialize it identically.
func sortAuthsByApplication(auths []*group.AuthenticatedContent) {
	sort.Slice(auths, func(i, j int) bool {
		return bytes.Compare(auths[i].Application, auths[j].Application) < 0
	})
}

func (c *Cascade) handleRCDeliver(set []group.Ref, sigs, retracts []*group.AuthenticatedContent) {
	sortedSet := make([]group.Ref, len(set))
	copy(sortedSet, set)
	group.SortRefs(sortedSet)

	sortedSigs := make([]*group.AuthenticatedContent, len(sigs))
	copy(sortedSigs, sigs)
	sortAuthsByApplication(sortedSigs)

	sortedRetracts := make([]*group.AuthenticatedContent, len(retracts))
	copy(sortedRetracts, retracts)
	sortAuthsByApplication(sortedRetracts)

	c.cac2.Broadcast(&wire.CAC2Content{
		Refs: sortedSet,
		Sigs: append(sortedSigs, sortedRetracts...),
	})
}

// handleRCBottom enters CAC₂ with what CAC₁ delivered locally, used both
// when restrained consensus ⊥'s and when the fall-through timer fires.
func (c *Cascade) handleRCBottom() {
	sortedSet := make([]group.Ref, len(c.delivered))
	copy(sortedSet, c.delivered)
	group.SortRefs(sortedSet)

	cacSigs := c.cac1.Signatures()
	auths := make([]*group.AuthenticatedContent, 0, len(cacSigs))
	for _, sig := range cacSigs {
		auths = append(auths, sig.Auth)
	}
	sortAuthsByApplication(auths)

	c.cac2.Broadcast(&wire.CAC2Content{
		Refs: sortedSet,
		Sigs: auths,
	})
}

func (c *Cascade) handleCAC2Candidate(content *wire.CAC2Content) {
	c.cac2.ValidateMessage(content)
}

func (c *Cascade) handleCAC2Choice(candidates []*wire.CAC2Content) *wire.CAC2Content {
	// any candidate works: lingering conflicts escalate to full consensus
	return candidates[0]
}

func (c *Cascade) handleCAC2Delivery(content *wire.CAC2Content, conflictSet []group.Ref, sigs []*Signature) {
	c.disarmRCTimeout()

	if len(conflictSet) == 1 {
		c.logger.WithField("messages", len(content.Refs)).Info("CAC2 agreement")
		c.deliverChoice(content.Refs)
		return
	}

	if !c.consensusProposed {
		c.consensusProposed = true
		c.logger.WithField("conflicts", len(conflictSet)).Info("CAC2 conflict, entering full consensus")
		c.fc.Propose(content)
	}
}

func (c *Cascade) handleFCDelivery(content *wire.CAC2Content) {
	c.logger.Info("Full consensus agreement")
	c.deliverChoice(content.Refs)
}

// deliverChoice maps agreed references back to commits through CAC₁'s
// store and delivers the deterministic choice.
func (c *Cascade) deliverChoice(refs []group.Ref) {
	var candidates []*group.Message
	for _, ref := range refs {
		commit, ok := c.cac1.Messages()[ref]
		if !ok {
			c.logger.WithField("ref", ref.Short()).Error("Agreed reference has no known commit")
			continue
		}
		candidates = append(candidates, commit)
	}

	if len(candidates) == 0 {
		return
	}
	c.deliver(c.choose(candidates))
}

func (c *Cascade) disarmRCTimeout() {
	if c.rcTimeoutArmed {
		c.trans.UnregisterTimeout(c.rcTimeout)
		c.rcTimeoutArmed = false
	}
}
