// Package gossip implements the epidemic broadcaster disseminating
// proposals and application messages, after the Murmur protocol of
// Guerraoui et al. (Scalable Byzantine Reliable Broadcast). Each member
// maintains a random sample of peers; a message is forwarded to the whole
// sample the first time it is seen, and exactly-once local delivery per
// epoch follows from the received-set deduplication. Subscribing to a peer
// replays everything it has received this epoch, which covers subscription
// races.
package gossip

import (
	"math"
	"math/rand"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/HiveNetCode/distributed-mls/src/group"
	"github.com/HiveNetCode/distributed-mls/src/net"
	"github.com/HiveNetCode/distributed-mls/src/wire"
)

// MinimumPeers is the floor of the gossip sample size. With fewer members
// than this, the sample is simply everyone.
const MinimumPeers = 6

// Deliver is the upward callback invoked exactly once per gossiped message
// per epoch.
type Deliver func(msg *group.Message)

// Broadcast is one member's gossip state.
type Broadcast struct {
	logger  *logrus.Entry
	trans   net.Transport
	selfID  []byte
	suite   group.CipherSuite
	deliver Deliver

	sample   map[string]bool
	received map[group.Ref][]byte // ref -> marshalled frame, replayed to subscribers
}

// NewBroadcast creates the gossip component. Init must be called once a
// group state exists.
func NewBroadcast(trans net.Transport, selfID []byte, deliver Deliver, logger *logrus.Entry) *Broadcast {
	return &Broadcast{
		logger:   logger.WithField("prefix", "gossip"),
		trans:    trans,
		selfID:   selfID,
		deliver:  deliver,
		sample:   make(map[string]bool),
		received: make(map[group.Ref][]byte),
	}
}

// Init fills the sample from the group's membership and subscribes to the
// sampled peers.
func (b *Broadcast) Init(state group.GroupState) {
	b.suite = state.Suite()
	b.updateSample(state, nil)
}

// NewEpoch clears the per-epoch received set, drops removed members from
// the sample, and refills it.
func (b *Broadcast) NewEpoch(state group.GroupState, removed [][]byte) {
	b.received = make(map[group.Ref][]byte)

	excluded := make(map[string]bool)
	for _, id := range removed {
		delete(b.sample, string(id))
		excluded[string(id)] = true
	}

	b.updateSample(state, excluded)
}

// SampleSize returns the current sample size, for introspection.
func (b *Broadcast) SampleSize() int {
	return len(b.sample)
}

// Sample returns the sampled identities in stable order.
func (b *Broadcast) Sample() []string {
	ids := make([]string, 0, len(b.sample))
	for id := range b.sample {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReceiveMessage processes one gossip frame from the network.
func (b *Broadcast) ReceiveMessage(msg *wire.GossipMessage) {
	switch msg.Type {
	case wire.GossipGossip:
		if _, seen := b.received[b.suite.MessageRef(msg.Message)]; !seen {
			b.DispatchMessage(msg.Message)
		}

	case wire.GossipSubscribe:
		b.subscribeFrom(msg.Subscriber)
	}
}

// DispatchMessage records a message, floods it to the sample and delivers
// it locally. It is both the local origination path and the forwarding
// path.
func (b *Broadcast) DispatchMessage(msg *group.Message) {
	frame := (&wire.DDSMessage{
		Type: wire.DDSGossip,
		Gossip: &wire.GossipMessage{
			Type:    wire.GossipGossip,
			Message: msg,
		},
	}).Marshal()

	b.received[b.suite.MessageRef(msg)] = frame
	b.trans.BroadcastSample(b.Sample(), frame)

	b.deliver(msg)
}

// subscribeFrom adds a subscriber to the sample and catches it up with
// everything received this epoch.
func (b *Broadcast) subscribeFrom(id []byte) {
	key := string(id)
	if b.sample[key] {
		return
	}

	b.sample[key] = true
	b.logger.WithField("peer", key).Debug("New subscriber")

	for _, frame := range b.received {
		b.trans.Send(key, frame)
	}
}

// updateSample grows the sample to at least max(log10(members),
// MinimumPeers) by random sampling, subscribing to each newly picked peer.
// Identities in excluded are never picked.
func (b *Broadcast) updateSample(state group.GroupState, excluded map[string]bool) {
	var candidates []string
	memberCount := 0
	for _, m := range state.Members() {
		memberCount++
		if m.Index == state.Index() {
			continue
		}
		if !b.sample[string(m.Identity)] && !excluded[string(m.Identity)] {
			candidates = append(candidates, string(m.Identity))
		}
	}

	expected := MinimumPeers
	if logSize := int(math.Log10(float64(memberCount))); logSize > expected {
		expected = logSize
	}

	missing := expected - len(b.sample)
	if missing <= 0 || len(candidates) == 0 {
		return
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if missing > len(candidates) {
		missing = len(candidates)
	}

	for _, id := range candidates[:missing] {
		b.sample[id] = true
		b.subscribe(id)
	}
}

// subscribe announces the local identity to a sampled peer.
func (b *Broadcast) subscribe(id string) {
	frame := (&wire.DDSMessage{
		Type: wire.DDSGossip,
		Gossip: &wire.GossipMessage{
			Type:       wire.GossipSubscribe,
			Subscriber: b.selfID,
		},
	}).Marshal()

	b.trans.Send(id, frame)
}
