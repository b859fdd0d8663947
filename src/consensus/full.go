package consensus

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/HiveNetCode/distributed-mls/src/group"
	"github.com/HiveNetCode/distributed-mls/src/net"
	"github.com/HiveNetCode/distributed-mls/src/wire"
)

// FCDeliverFn delivers the decided value.
type FCDeliverFn func(content *wire.CAC2Content)

// FCBroadcastFn sends a consensus message to every peer.
type FCBroadcastFn func(msg *wire.ConsensusMessage)

// FCSendFn sends a consensus message to one identity.
type FCSendFn func(msg *wire.ConsensusMessage, recipient string)

// Full is the last-resort total-order consensus: a simplified PBFT without
// checkpoints or sequence numbers, deciding a single value per epoch. The
// leader of view v is the member at position (v + epoch) mod n of the
// leaf-index-sorted membership; the epoch term rotates leadership across
// consecutive epochs.
type Full struct {
	logger *logrus.Entry
	trans  net.Transport
	rtt    time.Duration

	state group.GroupState

	broadcast FCBroadcastFn
	send      FCSendFn
	deliver   FCDeliverFn

	view      uint32
	leaderIdx uint32
	leaderID  string
	f         int

	futureMessages map[uint32][]*wire.ConsensusMessage

	hasSentPrePrepare bool
	hasSentPrepare    bool
	hasSentCommit     bool

	signedPrepare map[group.Ref]map[uint32]bool
	signedCommit  map[group.Ref]map[uint32]bool
	signedNewView map[uint32]bool

	messages map[group.Ref]*wire.CAC2Content

	proposed    *wire.CAC2Content
	prePrepared *wire.CAC2Content

	timeout           net.TimerID
	timeoutArmed      bool
	forwardTimeout    net.TimerID
	forwardTimerArmed bool
}

// NewFull creates the component. NewEpoch must be called before use.
func NewFull(trans net.Transport, rtt time.Duration, broadcast FCBroadcastFn,
	send FCSendFn, deliver FCDeliverFn, logger *logrus.Entry) *Full {

	return &Full{
		logger:    logger,
		trans:     trans,
		rtt:       rtt,
		broadcast: broadcast,
		send:      send,
		deliver:   deliver,
	}
}

// NewEpoch resets all state and enters view 0.
func (fc *Full) NewEpoch(state group.GroupState) {
	fc.state = state

	n := len(state.Members())
	fc.f = (n - 1) / 3

	fc.futureMessages = make(map[uint32][]*wire.ConsensusMessage)
	fc.messages = make(map[group.Ref]*wire.CAC2Content)

	fc.proposed = nil
	fc.newView(0)
}

// Propose submits a value for decision. A second proposal within the same
// epoch is ignored.
func (fc *Full) Propose(content *wire.CAC2Content) {
	if fc.proposed != nil {
		return
	}

	fc.proposed = content
	if !fc.hasSentPrepare {
		fc.proposeCurrentValue()
	}
}

// ReceiveMessage processes one consensus message.
func (fc *Full) ReceiveMessage(msg *wire.ConsensusMessage) {
	switch msg.Type {
	case wire.ConsensusPropose:
		if msg.View == fc.view {
			fc.handlePropose(msg.Content)
		} else if msg.View > fc.view {
			fc.bufferFuture(msg.View, msg)
		}

	case wire.ConsensusPrePrepare:
		if sender, content, ok := fc.contentIfReady(msg.Signed, msg); ok {
			fc.handlePrePrepare(sender, content, msg.Proposed)
		}

	case wire.ConsensusPrepare:
		if sender, content, ok := fc.contentIfReady(msg.Signed, msg); ok {
			fc.handlePrepare(sender, content)
		}

	case wire.ConsensusCommit:
		if sender, content, ok := fc.contentIfReady(msg.Signed, msg); ok {
			fc.handleCommit(sender, content)
		}

	case wire.ConsensusViewChange:
		if !fc.state.Verify(msg.Signed) {
			return
		}
		content, err := wire.ParseViewChangeContent(msg.Signed.Application)
		if err != nil {
			return
		}
		if content.View == fc.view+1 {
			fc.handleViewChange(msg.Signed.Sender)
		} else if content.View > fc.view {
			fc.bufferFuture(content.View, msg)
		}
	}
}

func (fc *Full) newView(view uint32) {
	fc.view = view

	// The leader rotates deterministically with the view and the epoch.
	members := fc.state.Members()
	leader := members[(int(view)+int(fc.state.Epoch()))%len(members)]
	fc.leaderIdx = leader.Index
	fc.leaderID = string(leader.Identity)

	fc.prePrepared = nil
	fc.hasSentPrePrepare = false
	fc.hasSentPrepare = false
	fc.hasSentCommit = false
	fc.signedPrepare = make(map[group.Ref]map[uint32]bool)
	fc.signedCommit = make(map[group.Ref]map[uint32]bool)
	fc.signedNewView = make(map[uint32]bool)

	fc.resetTimers()

	queued := fc.futureMessages[view]
	delete(fc.futureMessages, view)
	for _, msg := range queued {
		fc.ReceiveMessage(msg)
	}

	if fc.proposed != nil && !fc.hasSentPrepare && !fc.hasSentPrePrepare {
		fc.proposeCurrentValue()
	}
}

func (fc *Full) proposeCurrentValue() {
	if fc.leaderIdx == fc.state.Index() {
		fc.handlePropose(fc.proposed)
		return
	}

	fc.send(&wire.ConsensusMessage{
		Type:    wire.ConsensusPropose,
		View:    fc.view,
		Content: fc.proposed,
	}, fc.leaderID)

	fc.timeout = fc.trans.RegisterTimeout(fc.rtt, func() {
		fc.timeoutArmed = false
		fc.handleProposeTimeout()
	})
	fc.timeoutArmed = true
}

// handleProposeTimeout rebroadcasts the proposal to everyone when the
// leader stayed silent, then arms the view-change timer.
func (fc *Full) handleProposeTimeout() {
	content := fc.proposed
	if fc.prePrepared != nil {
		content = fc.prePrepared
	}

	fc.broadcast(&wire.ConsensusMessage{
		Type:    wire.ConsensusPropose,
		View:    fc.view,
		Content: content,
	})

	fc.forwardTimeout = fc.trans.RegisterTimeout(fc.rtt, func() {
		fc.forwardTimerArmed = false
		fc.handleForwardTimeout()
	})
	fc.forwardTimerArmed = true
}

func (fc *Full) handleForwardTimeout() {
	signed, err := fc.state.Sign((&wire.ViewChangeContent{View: fc.view + 1}).Marshal())
	if err != nil {
		fc.logger.WithError(err).Error("Signing view change failed")
		return
	}

	fc.broadcast(&wire.ConsensusMessage{
		Type:   wire.ConsensusViewChange,
		Signed: signed,
	})
}

func (fc *Full) handlePropose(proposed *wire.CAC2Content) {
	ref := proposed.RefOf(fc.state.Suite())
	fc.messages[ref] = proposed

	if fc.leaderIdx == fc.state.Index() {
		if fc.hasSentPrePrepare {
			return
		}
		fc.hasSentPrePrepare = true

		signed, err := fc.state.Sign((&wire.ConsensusContent{View: fc.view, Ref: ref}).Marshal())
		if err != nil {
			fc.logger.WithError(err).Error("Signing pre-prepare failed")
			return
		}
		fc.broadcast(&wire.ConsensusMessage{
			Type:     wire.ConsensusPrePrepare,
			Signed:   signed,
			Proposed: proposed,
		})
		return
	}

	fc.send(&wire.ConsensusMessage{
		Type:    wire.ConsensusPropose,
		View:    fc.view,
		Content: proposed,
	}, fc.leaderID)

	fc.forwardTimeout = fc.trans.RegisterTimeout(fc.rtt, func() {
		fc.forwardTimerArmed = false
		fc.handleForwardTimeout()
	})
	fc.forwardTimerArmed = true
}

func (fc *Full) handlePrePrepare(sender uint32, content *wire.ConsensusContent, proposed *wire.CAC2Content) {
	if fc.leaderIdx == fc.state.Index() || sender != fc.leaderIdx {
		return
	}

	fc.messages[proposed.RefOf(fc.state.Suite())] = proposed
	fc.resetTimers()

	if fc.hasSentPrepare {
		return
	}
	fc.hasSentPrepare = true
	fc.proposed = proposed

	fc.timeout = fc.trans.RegisterTimeout(fc.rtt, func() {
		fc.timeoutArmed = false
		fc.handleProposeTimeout()
	})
	fc.timeoutArmed = true

	signed, err := fc.state.Sign((&wire.ConsensusContent{View: fc.view, Ref: content.Ref}).Marshal())
	if err != nil {
		fc.logger.WithError(err).Error("Signing prepare failed")
		return
	}
	fc.broadcast(&wire.ConsensusMessage{
		Type:   wire.ConsensusPrepare,
		Signed: signed,
	})
}

func (fc *Full) handlePrepare(sender uint32, content *wire.ConsensusContent) {
	if fc.signedPrepare[content.Ref] == nil {
		fc.signedPrepare[content.Ref] = make(map[uint32]bool)
	}
	fc.signedPrepare[content.Ref][sender] = true

	if len(fc.signedPrepare[content.Ref]) >= 2*fc.f+1 && !fc.hasSentCommit {
		fc.hasSentCommit = true
		fc.resetTimers()

		signed, err := fc.state.Sign((&wire.ConsensusContent{View: fc.view, Ref: content.Ref}).Marshal())
		if err != nil {
			fc.logger.WithError(err).Error("Signing commit failed")
			return
		}
		fc.broadcast(&wire.ConsensusMessage{
			Type:   wire.ConsensusCommit,
			Signed: signed,
		})
	}
}

func (fc *Full) handleCommit(sender uint32, content *wire.ConsensusContent) {
	if fc.signedCommit[content.Ref] == nil {
		fc.signedCommit[content.Ref] = make(map[uint32]bool)
	}
	fc.signedCommit[content.Ref][sender] = true

	if len(fc.signedCommit[content.Ref]) >= 2*fc.f+1 {
		if value, ok := fc.messages[content.Ref]; ok {
			fc.deliver(value)
		}
	}
}

func (fc *Full) handleViewChange(sender uint32) {
	fc.signedNewView[sender] = true

	if len(fc.signedNewView) >= 2*fc.f+1 {
		fc.newView(fc.view + 1)
	}
}

// contentIfReady verifies a signed vote and gates it on the view: current
// view passes, future views are buffered, past views are dropped.
func (fc *Full) contentIfReady(signed *group.AuthenticatedContent, msg *wire.ConsensusMessage) (uint32, *wire.ConsensusContent, bool) {
	if signed == nil || !fc.state.Verify(signed) {
		return 0, nil, false
	}

	content, err := wire.ParseConsensusContent(signed.Application)
	if err != nil {
		return 0, nil, false
	}

	if content.View == fc.view {
		return signed.Sender, content, true
	}
	if content.View > fc.view {
		fc.bufferFuture(content.View, msg)
	}
	return 0, nil, false
}

func (fc *Full) bufferFuture(view uint32, msg *wire.ConsensusMessage) {
	fc.futureMessages[view] = append(fc.futureMessages[view], msg)
}

func (fc *Full) resetTimers() {
	if fc.timeoutArmed {
		fc.trans.UnregisterTimeout(fc.timeout)
		fc.timeoutArmed = false
	}
	if fc.forwardTimerArmed {
		fc.trans.UnregisterTimeout(fc.forwardTimeout)
		fc.forwardTimerArmed = false
	}
}
