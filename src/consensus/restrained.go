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

// retractSentinel is the application body of a retract signature.
var retractSentinel = []byte("RETRACT")

// RCDecideFn delivers a restrained-consensus agreement: the agreed set of
// commit references, the subset signatures justifying it, and the retracts
// observed along the way.
type RCDecideFn func(set []group.Ref, sigs, retracts []*group.AuthenticatedContent)

// RCBottomFn reports termination with ⊥: no agreement, fall through to the
// next cascade stage.
type RCBottomFn func()

// RCEmitFn sends a restrained-consensus message to the given identities.
type RCEmitFn func(msg *wire.RestrainedMessage, recipients []string)

// Restrained runs the short consensus restricted to the senders of a CAC
// conflict set. Each participant signs every subset of the conflict pairs
// containing itself; agreement is the unique maximum subset signed by all
// its members. A conflict-set member that sees the protocol running without
// having proposed retracts and drops out.
type Restrained struct {
	logger *logrus.Entry
	trans  net.Transport
	rtt    time.Duration

	state group.GroupState

	decide RCDecideFn
	bottom RCBottomFn
	emit   RCEmitFn

	retracting   bool
	hasDelivered bool
	hasFinished  bool

	powerSet [][]wire.RefPair

	// canonical subset encoding -> signer -> subset signature
	signed map[string]map[uint32]*group.AuthenticatedContent

	retracted []*group.AuthenticatedContent

	timeout      net.TimerID
	timeoutArmed bool
}

// NewRestrained creates the component. NewEpoch must be called before use.
func NewRestrained(trans net.Transport, rtt time.Duration, decide RCDecideFn,
	bottom RCBottomFn, emit RCEmitFn, logger *logrus.Entry) *Restrained {

	return &Restrained{
		logger: logger,
		trans:  trans,
		rtt:    rtt,
		decide: decide,
		bottom: bottom,
		emit:   emit,
	}
}

// NewEpoch resets all state.
func (r *Restrained) NewEpoch(state group.GroupState) {
	r.state = state

	r.retracting = false
	r.hasDelivered = false
	r.hasFinished = false
	r.powerSet = nil
	r.signed = make(map[string]map[uint32]*group.AuthenticatedContent)
	r.retracted = nil

	r.disarmTimeout()
}

// Propose enters the protocol as a participant: the local member authored
// one of the conflicting commits. conflictSet pairs each conflicting
// commit's sender with its reference; proofs are the CAC signatures that
// exhibited the conflict.
func (r *Restrained) Propose(conflictSet []wire.RefPair, proofs []*Signature) {
	if r.retracting || r.hasDelivered {
		return
	}
	r.hasDelivered = true

	r.powerSet = powerSet(conflictSet)

	var sigSet []*group.AuthenticatedContent
	for _, subset := range r.powerSet {
		if !subsetContains(subset, r.state.Index()) {
			continue
		}

		sig, err := r.state.Sign(wire.MarshalRefPairs(subset))
		if err != nil {
			r.logger.WithError(err).Error("Signing subset failed")
			continue
		}
		sigSet = append(sigSet, sig)
		r.recordSubsetSig(subset, r.state.Index(), sig)
	}

	// retracts that arrived before we proposed still count
	for _, retract := range r.retracted {
		r.removeFromPowerSet(retract.Sender)
	}

	proofAuths := make([]*group.AuthenticatedContent, 0, len(proofs))
	for _, proof := range proofs {
		proofAuths = append(proofAuths, proof.Auth)
	}

	content := &wire.RestrainedContent{
		SigSet:   sigSet,
		PowerSet: r.powerSet,
		Proofs:   proofAuths,
	}
	r.emit(&wire.RestrainedMessage{
		Type:        wire.RestrainedParticipate,
		Participate: content,
	}, r.pairParticipants(conflictSet))

	r.timeout = r.trans.RegisterTimeout(2*r.rtt, func() {
		r.timeoutArmed = false
		r.terminateBottom()
	})
	r.timeoutArmed = true
}

// ReceiveMessage processes one restrained-consensus message.
func (r *Restrained) ReceiveMessage(msg *wire.RestrainedMessage) {
	if r.hasFinished {
		return
	}

	switch msg.Type {
	case wire.RestrainedParticipate:
		r.handleParticipate(msg.Participate)
	case wire.RestrainedRetract:
		r.handleRetract(msg.Retract)
	}
}

func (r *Restrained) handleParticipate(content *wire.RestrainedContent) {
	// The proofs must be valid CAC signatures with gapless sequences, each
	// referencing a message of the advertised conflict set.
	pairRefs := make(map[group.Ref]bool)
	for _, subset := range content.PowerSet {
		for _, pair := range subset {
			pairRefs[pair.Ref] = true
		}
	}

	sequences := make(map[uint32]map[uint32]bool)
	for _, auth := range content.Proofs {
		proof, ok := VerifyCACSignature(r.state, auth)
		if !ok {
			r.terminateBottom()
			return
		}
		if !pairRefs[proof.Ref] {
			r.terminateBottom()
			return
		}
		if sequences[proof.Sender()] == nil {
			sequences[proof.Sender()] = make(map[uint32]bool)
		}
		sequences[proof.Sender()][proof.Sequence] = true
	}
	for _, seqs := range sequences {
		max := uint32(0)
		for seq := range seqs {
			if seq > max {
				max = seq
			}
		}
		if int(max) > len(seqs)-1 {
			r.terminateBottom()
			return
		}
	}

	// All subset signatures must come from one member, the participant.
	if len(content.SigSet) == 0 {
		r.terminateBottom()
		return
	}
	sender := content.SigSet[0].Sender

	type signedSubset struct {
		key string
		sig *group.AuthenticatedContent
	}
	var signedSet []signedSubset
	for _, sig := range content.SigSet {
		if sig.Sender != sender || !r.state.Verify(sig) {
			r.terminateBottom()
			return
		}

		pairs, err := wire.ParseRefPairs(sig.Application)
		if err != nil {
			r.terminateBottom()
			return
		}
		signedSet = append(signedSet, signedSubset{key: canonicalSubsetKey(pairs), sig: sig})
	}

	if r.hasDelivered {
		for _, s := range signedSet {
			if r.signed[s.key] == nil {
				r.signed[s.key] = make(map[uint32]*group.AuthenticatedContent)
			}
			r.signed[s.key][sender] = s.sig
		}
		r.checkCompletion()
	} else {
		// We are in the conflict set but did not propose: retract.
		sig, err := r.state.Sign(retractSentinel)
		if err != nil {
			r.logger.WithError(err).Error("Signing retract failed")
			return
		}

		r.retracting = true
		r.emit(&wire.RestrainedMessage{
			Type:    wire.RestrainedRetract,
			Retract: sig,
		}, r.powerSetParticipants(content.PowerSet))
	}
}

func (r *Restrained) handleRetract(retract *group.AuthenticatedContent) {
	if !r.state.Verify(retract) {
		return
	}
	if !bytes.Equal(retract.Application, retractSentinel) {
		return
	}
	for _, seen := range r.retracted {
		if seen.Sender == retract.Sender {
			return
		}
	}

	r.retracted = append(r.retracted, retract)
	r.removeFromPowerSet(retract.Sender)
	r.checkCompletion()
}

// removeFromPowerSet drops every subset containing the retracted member.
func (r *Restrained) removeFromPowerSet(retracted uint32) {
	kept := r.powerSet[:0]
	for _, subset := range r.powerSet {
		if !subsetContains(subset, retracted) {
			kept = append(kept, subset)
		}
	}
	r.powerSet = kept
}

// checkCompletion looks for the unique maximum subset signed by every one
// of its members.
func (r *Restrained) checkCompletion() {
	if len(r.powerSet) == 0 {
		return
	}

	biggest := r.powerSet[0]
	unique := true
	for _, subset := range r.powerSet[1:] {
		if len(subset) > len(biggest) {
			biggest = subset
			unique = true
		} else if len(subset) == len(biggest) {
			unique = false
		}
	}

	if !unique {
		r.terminateBottom()
		return
	}

	subsetSigs := r.signed[canonicalSubsetKey(biggest)]
	if len(subsetSigs) != len(biggest) {
		return
	}

	r.hasFinished = true
	r.disarmTimeout()

	set := make([]group.Ref, 0, len(biggest))
	for _, pair := range biggest {
		set = append(set, pair.Ref)
	}

	signers := make([]int, 0, len(subsetSigs))
	for signer := range subsetSigs {
		signers = append(signers, int(signer))
	}
	sort.Ints(signers)
	sigs := make([]*group.AuthenticatedContent, 0, len(signers))
	for _, signer := range signers {
		sigs = append(sigs, subsetSigs[uint32(signer)])
	}

	r.decide(set, sigs, r.retracted)
}

func (r *Restrained) terminateBottom() {
	if r.hasFinished {
		return
	}
	r.hasFinished = true

	r.disarmTimeout()
	r.bottom()
}

func (r *Restrained) disarmTimeout() {
	if r.timeoutArmed {
		r.trans.UnregisterTimeout(r.timeout)
		r.timeoutArmed = false
	}
}

// pairParticipants resolves the senders of the conflict pairs to their
// identities.
func (r *Restrained) pairParticipants(pairs []wire.RefPair) []string {
	var ids []string
	for _, pair := range pairs {
		if identity, ok := r.state.MemberIdentity(pair.Sender); ok {
			ids = append(ids, string(identity))
		}
	}
	return ids
}

// powerSetParticipants resolves participants from the singleton subsets,
// one of which exists per sender.
func (r *Restrained) powerSetParticipants(power [][]wire.RefPair) []string {
	var ids []string
	for _, subset := range power {
		if len(subset) != 1 {
			continue
		}
		if identity, ok := r.state.MemberIdentity(subset[0].Sender); ok {
			ids = append(ids, string(identity))
		}
	}
	return ids
}

func (r *Restrained) recordSubsetSig(subset []wire.RefPair, signer uint32, sig *group.AuthenticatedContent) {
	key := canonicalSubsetKey(subset)
	if r.signed[key] == nil {
		r.signed[key] = make(map[uint32]*group.AuthenticatedContent)
	}
	r.signed[key][signer] = sig
}

// canonicalSubsetKey orders a subset's pairs so that the same subset keyed
// by different members compares equal.
func canonicalSubsetKey(pairs []wire.RefPair) string {
	sorted := make([]wire.RefPair, len(pairs))
	copy(sorted, pairs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Sender != sorted[j].Sender {
			return sorted[i].Sender < sorted[j].Sender
		}
		return sorted[i].Ref < sorted[j].Ref
	})
	return string(wire.MarshalRefPairs(sorted))
}

func subsetContains(subset []wire.RefPair, index uint32) bool {
	for _, pair := range subset {
		if pair.Sender == index {
			return true
		}
	}
	return false
}

// powerSet enumerates every subset of the input, the empty set included.
func powerSet(input []wire.RefPair) [][]wire.RefPair {
	subsets := [][]wire.RefPair{{}}
	for _, elt := range input {
		count := len(subsets)
		for i := 0; i < count; i++ {
			subset := make([]wire.RefPair, len(subsets[i]), len(subsets[i])+1)
			copy(subset, subsets[i])
			subsets = append(subsets, append(subset, elt))
		}
	}
	return subsets
}
