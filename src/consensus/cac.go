package consensus

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/HiveNetCode/distributed-mls/src/group"
	"github.com/HiveNetCode/distributed-mls/src/wire"
)

// Codec ties a CAC payload type to its encoding and reference function.
type Codec[T any] struct {
	Marshal   func(T) []byte
	Unmarshal func([]byte) (T, error)
	RefOf     func(T) group.Ref
}

// ChoiceFn picks one payload among the application-validated candidates.
type ChoiceFn[T any] func(candidates []T) T

// TransmitFn surfaces a payload that was first learned through consensus
// chatter, so the layer above can see it (and, for commits, feed it back
// through validation).
type TransmitFn[T any] func(payload T)

// DeliverFn is CAC delivery: the payload, the conflict set it was delivered
// against, and the full set of valid signatures collected so far.
type DeliverFn[T any] func(payload T, conflictSet []group.Ref, sigs []*Signature)

// EmitFn sends a CAC message to every peer. The caller is responsible for
// feeding the message back to ReceiveMessage, since a network broadcast
// does not include the local node.
type EmitFn func(msg *wire.CACMessage)

type messageSigs struct {
	witness map[uint32]bool
	ready   map[uint32]bool
}

// CAC is one instance of the Byzantine-reliable CAC broadcast,
// parameterized by payload type. With n members and fault bound
// t = (n-k)/5, a payload is delivered once it gathers n-t ready
// signatures; the conflict set handed up with the delivery contains every
// payload that gathered at least k witnesses, and is guaranteed to be a
// superset of what any honest member might deliver.
type CAC[T any] struct {
	logger *logrus.Entry

	k, n, t, qw, qr int

	state group.GroupState
	codec Codec[T]

	choice   ChoiceFn[T]
	transmit TransmitFn[T]
	deliver  DeliverFn[T]
	emit     EmitFn

	sigCount     uint32
	hasSentReady bool

	// receiveMessage serializes through this queue: emitting a message
	// loops back as another receiveMessage, which must not re-enter.
	queue       []*wire.CACMessage
	queueLocked bool

	messages        map[group.Ref]T
	validSignatures map[group.Ref]*Signature // keyed by signature identity
	validMessages   map[group.Ref]bool
	seenMessages    map[group.Ref]bool
	waitingMessages map[group.Ref]bool
	delivered       map[group.Ref]bool
	sequences       map[uint32]uint32
	sigCounts       map[group.Ref]*messageSigs
}

// NewCAC creates an instance. NewEpoch must be called before use.
func NewCAC[T any](k int, codec Codec[T], choice ChoiceFn[T], transmit TransmitFn[T],
	deliver DeliverFn[T], emit EmitFn, logger *logrus.Entry) *CAC[T] {

	return &CAC[T]{
		logger:   logger,
		k:        k,
		codec:    codec,
		choice:   choice,
		transmit: transmit,
		deliver:  deliver,
		emit:     emit,
	}
}

// NewEpoch resets all per-epoch state and recomputes the quorums from the
// current membership. Quorums follow the n > 5t+k regime.
func (c *CAC[T]) NewEpoch(state group.GroupState) {
	c.state = state

	c.n = len(state.Members())
	c.t = (c.n - c.k) / 5
	c.qw = 4*c.t + c.k
	c.qr = c.n - c.t

	c.sigCount = 0
	c.hasSentReady = false

	c.queue = nil
	c.queueLocked = false

	c.messages = make(map[group.Ref]T)
	c.validSignatures = make(map[group.Ref]*Signature)
	c.validMessages = make(map[group.Ref]bool)
	c.seenMessages = make(map[group.Ref]bool)
	c.waitingMessages = make(map[group.Ref]bool)
	c.delivered = make(map[group.Ref]bool)
	c.sequences = make(map[uint32]uint32)
	c.sigCounts = make(map[group.Ref]*messageSigs)
}

// HasStarted reports whether the instance emitted any signature this epoch.
func (c *CAC[T]) HasStarted() bool {
	return c.sigCount > 0
}

// Messages exposes every payload seen this epoch, keyed by reference.
func (c *CAC[T]) Messages() map[group.Ref]T {
	return c.messages
}

// Signatures exposes the valid signatures collected this epoch.
func (c *CAC[T]) Signatures() []*Signature {
	return c.sortedSignatures()
}

// Broadcast proposes a payload, unless the instance has already signed a
// statement this epoch.
func (c *CAC[T]) Broadcast(payload T) {
	if c.sigCount > 0 {
		return
	}

	ref := c.codec.RefOf(payload)
	c.messages[ref] = payload
	c.seenMessages[ref] = true
	c.validMessages[ref] = true

	c.emitSignature(wire.CACWitness, ref)
	c.broadcastMessage(wire.CACWitness, payload, true)
}

// ValidateMessage marks a payload as ratified by the application layer. If
// the instance has not signed yet it witnesses the best validated payload;
// a payload that witnessing was waiting on gets its witness immediately.
func (c *CAC[T]) ValidateMessage(payload T) {
	ref := c.codec.RefOf(payload)
	c.validMessages[ref] = true
	if _, ok := c.messages[ref]; !ok {
		c.messages[ref] = payload
	}
	c.seenMessages[ref] = true

	if c.sigCount == 0 {
		chosen := c.choice(c.validatedPayloads())
		chosenRef := c.codec.RefOf(chosen)
		delete(c.waitingMessages, chosenRef)

		c.emitSignature(wire.CACWitness, chosenRef)
		c.broadcastMessage(wire.CACWitness, chosen, true)
	}

	if c.waitingMessages[ref] {
		delete(c.waitingMessages, ref)

		c.emitSignature(wire.CACWitness, ref)
		var zero T
		c.broadcastMessage(wire.CACWitness, zero, false)
	}
}

// ReceiveMessage processes one CAC message. Nested calls (triggered by the
// emit callback looping a local broadcast back) enqueue and return; the
// outer invocation drains the queue.
func (c *CAC[T]) ReceiveMessage(msg *wire.CACMessage) {
	c.queue = append(c.queue, msg)

	if c.queueLocked {
		return
	}
	c.queueLocked = true

	for len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.processMessage(next)
	}

	c.queueLocked = false
}

func (c *CAC[T]) processMessage(msg *wire.CACMessage) {
	if msg.Payload != nil {
		payload, err := c.codec.Unmarshal(msg.Payload)
		if err != nil {
			c.logger.WithError(err).Debug("Dropping CAC payload")
		} else {
			ref := c.codec.RefOf(payload)
			if _, ok := c.messages[ref]; !ok {
				c.messages[ref] = payload
			}
		}
	}

	// Signatures may arrive out of their sequence order within a batch;
	// buffer the gapped ones and sweep until a pass makes no progress.
	outOfOrder := make(map[group.Ref]*Signature)
	for _, auth := range msg.Sigs {
		authRef := c.state.Suite().AuthContentRef(auth)
		if _, ok := c.validSignatures[authRef]; ok {
			continue
		}

		sig, ok := VerifyCACSignature(c.state, auth)
		if !ok {
			continue
		}

		if sig.Sequence > c.sequences[sig.Sender()] {
			outOfOrder[authRef] = sig
		} else {
			c.processNewSig(sig)
		}
	}

	for progressed := true; progressed && len(outOfOrder) > 0; {
		progressed = false
		for authRef, sig := range outOfOrder {
			if sig.Sequence <= c.sequences[sig.Sender()] {
				c.processNewSig(sig)
				delete(outOfOrder, authRef)
				progressed = true
			}
		}
	}

	if msg.IsWitness() {
		c.receivedWitness()
	} else if msg.IsReady() {
		c.receivedReady()
	}
}

func (c *CAC[T]) processNewSig(sig *Signature) {
	c.sequences[sig.Sender()]++
	c.validSignatures[sig.AuthRef()] = sig
	c.countSignature(sig)
}

func (c *CAC[T]) countSignature(sig *Signature) {
	sigs, ok := c.sigCounts[sig.Ref]
	if !ok {
		sigs = &messageSigs{witness: make(map[uint32]bool), ready: make(map[uint32]bool)}
		c.sigCounts[sig.Ref] = sigs
	}
	if sig.IsWitness() {
		sigs.witness[sig.Sender()] = true
	} else if sig.IsReady() {
		sigs.ready[sig.Sender()] = true
	}
}

func (c *CAC[T]) receivedWitness() {
	// Surface payloads that consensus chatter revealed before the upper
	// layer saw them. Collected first: transmit can re-enter validation.
	var toTransmit []group.Ref
	for ref := range c.sigCounts {
		if !c.seenMessages[ref] {
			if _, ok := c.messages[ref]; ok {
				c.seenMessages[ref] = true
				toTransmit = append(toTransmit, ref)
			}
		}
	}
	group.SortRefs(toTransmit)
	for _, ref := range toTransmit {
		c.transmit(c.messages[ref])
	}

	if c.sigCount == 0 && len(c.validMessages) > 0 {
		chosen := c.choice(c.validatedPayloads())
		chosenRef := c.codec.RefOf(chosen)

		c.emitSignature(wire.CACWitness, chosenRef)
		c.broadcastMessage(wire.CACWitness, chosen, true)
	}

	if c.anyAboveMajority() {
		for _, ref := range c.refsWithEnoughWitness() {
			if !c.sigCounts[ref].ready[c.state.Index()] {
				c.emitSignature(wire.CACReady, ref)
				var zero T
				c.broadcastMessage(wire.CACReady, zero, false)
			}

			// Fast path: overwhelming support for a single candidate
			// delivers without waiting for the ready quorum.
			if c.n > 5*c.t && len(c.sigCounts[ref].witness) >= c.n-c.t &&
				len(c.sigCounts) == 1 && !c.delivered[ref] {
				c.delivered[ref] = true
				c.deliver(c.messages[ref], []group.Ref{ref}, c.sortedSignatures())
			}
		}
	}

	seenProcesses := len(c.sequences) + 1
	if seenProcesses >= c.n-c.t && !c.hasSentReady {
		adoptRef, adoptOk := c.refWithWitnessesAtLeast(seenProcesses - 2*c.t)

		if c.n > 5*c.t && adoptOk &&
			!c.sigCounts[adoptRef].witness[c.state.Index()] &&
			c.validMessages[adoptRef] {
			c.emitSignature(wire.CACWitness, adoptRef)
			var zero T
			c.broadcastMessage(wire.CACWitness, zero, false)
		} else {
			witnessed := c.witnessedRefs()
			minWitnesses := c.n - c.t*(len(witnessed)+1)
			if minWitnesses < 1 {
				minWitnesses = 1
			}

			for _, ref := range witnessed {
				if len(c.sigCounts[ref].witness) >= minWitnesses &&
					!c.waitingMessages[ref] &&
					!c.sigCounts[ref].witness[c.state.Index()] {
					if c.validMessages[ref] {
						c.emitSignature(wire.CACWitness, ref)
						var zero T
						c.broadcastMessage(wire.CACWitness, zero, false)
					} else {
						c.waitingMessages[ref] = true
					}
				}
			}
		}
	}
}

func (c *CAC[T]) receivedReady() {
	readyRefs := c.refsWithEnoughWitness()
	if len(readyRefs) == 0 {
		return
	}

	for _, ref := range readyRefs {
		if !c.sigCounts[ref].ready[c.state.Index()] {
			c.emitSignature(wire.CACReady, ref)
			var zero T
			c.broadcastMessage(wire.CACReady, zero, false)
		}
	}

	var conflictSet []group.Ref
	for ref, sigs := range c.sigCounts {
		if len(sigs.witness) >= c.k {
			conflictSet = append(conflictSet, ref)
		}
	}
	group.SortRefs(conflictSet)

	for _, ref := range conflictSet {
		if len(c.sigCounts[ref].ready) >= c.qr && !c.delivered[ref] {
			c.delivered[ref] = true
			c.deliver(c.messages[ref], conflictSet, c.sortedSignatures())
		}
	}
}

// refsWithEnoughWitness lists refs that reached the witness quorum qw.
func (c *CAC[T]) refsWithEnoughWitness() []group.Ref {
	var refs []group.Ref
	for ref, sigs := range c.sigCounts {
		if len(sigs.witness) >= c.qw {
			refs = append(refs, ref)
		}
	}
	group.SortRefs(refs)
	return refs
}

func (c *CAC[T]) anyAboveMajority() bool {
	for _, sigs := range c.sigCounts {
		if len(sigs.witness) >= (c.n+c.t)/2+1 {
			return true
		}
	}
	return false
}

func (c *CAC[T]) refWithWitnessesAtLeast(min int) (group.Ref, bool) {
	var refs []group.Ref
	for ref, sigs := range c.sigCounts {
		if len(sigs.witness) >= min {
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return "", false
	}
	group.SortRefs(refs)
	return refs[0], true
}

func (c *CAC[T]) witnessedRefs() []group.Ref {
	var refs []group.Ref
	for ref, sigs := range c.sigCounts {
		if len(sigs.witness) > 0 {
			refs = append(refs, ref)
		}
	}
	group.SortRefs(refs)
	return refs
}

func (c *CAC[T]) validatedPayloads() []T {
	refs := make([]group.Ref, 0, len(c.validMessages))
	for ref := range c.validMessages {
		refs = append(refs, ref)
	}
	group.SortRefs(refs)

	var payloads []T
	for _, ref := range refs {
		if payload, ok := c.messages[ref]; ok {
			payloads = append(payloads, payload)
		}
	}
	return payloads
}

// emitSignature issues the next statement in strict sequence order and
// counts it locally.
func (c *CAC[T]) emitSignature(kind uint8, ref group.Ref) {
	sig, err := SignCAC(c.state, c.sigCount, kind, ref)
	if err != nil {
		c.logger.WithError(err).Error("Signing CAC statement failed")
		return
	}
	c.sigCount++

	c.logger.WithField("sig", sig.String()).Debug("Emitting signature")

	c.validSignatures[sig.AuthRef()] = sig
	c.countSignature(sig)
}

// broadcastMessage sends the instance's full signature set, with the
// payload piggybacked when withPayload is set.
func (c *CAC[T]) broadcastMessage(kind uint8, payload T, withPayload bool) {
	if kind == wire.CACReady {
		c.hasSentReady = true
	}

	sigs := c.sortedSignatures()
	auths := make([]*group.AuthenticatedContent, 0, len(sigs))
	for _, sig := range sigs {
		auths = append(auths, sig.Auth)
	}

	msg := &wire.CACMessage{
		Kind: kind,
		Sigs: auths,
	}
	if withPayload {
		msg.Payload = c.codec.Marshal(payload)
	}

	c.emit(msg)
}

// sortedSignatures returns the valid signatures ordered by identity, so
// that every member serializes the same set identically.
func (c *CAC[T]) sortedSignatures() []*Signature {
	refs := make([]string, 0, len(c.validSignatures))
	for authRef := range c.validSignatures {
		refs = append(refs, string(authRef))
	}
	sort.Strings(refs)

	sigs := make([]*Signature, 0, len(refs))
	for _, authRef := range refs {
		sigs = append(sigs, c.validSignatures[group.Ref(authRef)])
	}
	return sigs
}
