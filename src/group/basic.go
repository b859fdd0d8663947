package group

import (
	"bytes"
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v3"
)

var (
	// ErrUnknownMember is returned when an identity does not resolve to an
	// active leaf.
	ErrUnknownMember = errors.New("group: unknown member")

	// ErrNotInGroup is returned when a welcome does not include the local
	// identity.
	ErrNotInGroup = errors.New("group: welcome does not include this identity")
)

type leaf struct {
	identity    []byte
	pubKey      kyber.Point
	pubKeyBytes []byte
	active      bool
}

type pendingProposal struct {
	ref      ProposalRef
	sender   uint32
	proposal *Proposal
}

// BasicGroup is a self-contained GroupState: basic credentials, Schnorr
// leaf signatures, proposals applied by reference, epochs advanced by
// commits. It carries the group semantics the delivery service relies on
// without the key-schedule machinery of a full MLS stack; Protect
// authenticates but does not encrypt.
type BasicGroup struct {
	groupID   []byte
	epoch     uint64
	selfIndex uint32
	privKey   kyber.Scalar

	leaves  []leaf
	pending []*pendingProposal

	// key staged by an update proposal, adopted when the update commits
	stagedKey      kyber.Scalar
	stagedKeyBytes []byte

	suite CipherSuite
}

// NewGroup creates a group of one, the creator at leaf 0, epoch 0.
func NewGroup(groupID, identity []byte, privKey kyber.Scalar, pubKeyBytes []byte) (*BasicGroup, error) {
	pub, err := unmarshalPubKey(pubKeyBytes)
	if err != nil {
		return nil, err
	}

	return &BasicGroup{
		groupID:   append([]byte{}, groupID...),
		selfIndex: 0,
		privKey:   privKey,
		leaves: []leaf{{
			identity:    append([]byte{}, identity...),
			pubKey:      pub,
			pubKeyBytes: append([]byte{}, pubKeyBytes...),
			active:      true,
		}},
	}, nil
}

// JoinGroup builds the state of a newly added member from a welcome.
func JoinGroup(welcome *Welcome, identity []byte, privKey kyber.Scalar) (*BasicGroup, error) {
	g := &BasicGroup{
		groupID: append([]byte{}, welcome.GroupID...),
		epoch:   welcome.Epoch,
		privKey: privKey,
	}

	var maxIndex uint32
	for _, e := range welcome.Roster {
		if e.Index > maxIndex {
			maxIndex = e.Index
		}
	}
	g.leaves = make([]leaf, maxIndex+1)

	found := false
	for _, e := range welcome.Roster {
		pub, err := unmarshalPubKey(e.PubKey)
		if err != nil {
			return nil, err
		}
		g.leaves[e.Index] = leaf{
			identity:    append([]byte{}, e.Identity...),
			pubKey:      pub,
			pubKeyBytes: append([]byte{}, e.PubKey...),
			active:      true,
		}
		if bytes.Equal(e.Identity, identity) {
			g.selfIndex = e.Index
			found = true
		}
	}
	if !found {
		return nil, ErrNotInGroup
	}
	return g, nil
}

// GroupID implements GroupState.
func (g *BasicGroup) GroupID() []byte { return g.groupID }

// Epoch implements GroupState.
func (g *BasicGroup) Epoch() uint64 { return g.epoch }

// Index implements GroupState.
func (g *BasicGroup) Index() uint32 { return g.selfIndex }

// Suite implements GroupState.
func (g *BasicGroup) Suite() CipherSuite { return g.suite }

// Members implements GroupState.
func (g *BasicGroup) Members() []Member {
	var members []Member
	for i, l := range g.leaves {
		if l.active {
			members = append(members, Member{Index: uint32(i), Identity: l.identity})
		}
	}
	return members
}

// MemberIdentity implements GroupState.
func (g *BasicGroup) MemberIdentity(index uint32) ([]byte, bool) {
	if int(index) >= len(g.leaves) || !g.leaves[index].active {
		return nil, false
	}
	return g.leaves[index].identity, true
}

// MemberIndex resolves an identity to its leaf index.
func (g *BasicGroup) MemberIndex(identity []byte) (uint32, bool) {
	for i, l := range g.leaves {
		if l.active && bytes.Equal(l.identity, identity) {
			return uint32(i), true
		}
	}
	return 0, false
}

/*******************************************************************************
Signing
*******************************************************************************/

// Sign implements GroupState.
func (g *BasicGroup) Sign(application []byte) (*AuthenticatedContent, error) {
	ac := &AuthenticatedContent{
		GroupID:     g.groupID,
		Epoch:       g.epoch,
		Sender:      g.selfIndex,
		ContentType: ContentApplication,
		Application: application,
	}

	sig, err := signBytes(g.privKey, ac.tbs())
	if err != nil {
		return nil, err
	}
	ac.Signature = sig
	return ac, nil
}

// Verify implements GroupState.
func (g *BasicGroup) Verify(ac *AuthenticatedContent) bool {
	if ac == nil || !bytes.Equal(ac.GroupID, g.groupID) || ac.Epoch != g.epoch {
		return false
	}
	if int(ac.Sender) >= len(g.leaves) || !g.leaves[ac.Sender].active {
		return false
	}
	return verifyBytes(g.leaves[ac.Sender].pubKey, ac.tbs(), ac.Signature)
}

func (g *BasicGroup) signMessage(contentType ContentType, body []byte) (*Message, error) {
	m := &Message{
		GroupID:     g.groupID,
		Epoch:       g.epoch,
		Sender:      g.selfIndex,
		ContentType: contentType,
		Body:        body,
	}

	sig, err := signBytes(g.privKey, m.tbs())
	if err != nil {
		return nil, err
	}
	m.Signature = sig
	return m, nil
}

// Protect implements GroupState.
func (g *BasicGroup) Protect(content []byte) (*Message, error) {
	return g.signMessage(ContentApplication, content)
}

// Unprotect implements GroupState.
func (g *BasicGroup) Unprotect(msg *Message) (*AuthenticatedContent, error) {
	if msg == nil || !bytes.Equal(msg.GroupID, g.groupID) {
		return nil, errors.New("group: message for another group")
	}
	if msg.Epoch != g.epoch {
		return nil, fmt.Errorf("group: message epoch %d, state epoch %d", msg.Epoch, g.epoch)
	}
	if int(msg.Sender) >= len(g.leaves) || !g.leaves[msg.Sender].active {
		return nil, ErrUnknownMember
	}
	if !verifyBytes(g.leaves[msg.Sender].pubKey, msg.tbs(), msg.Signature) {
		return nil, errors.New("group: bad message signature")
	}

	return &AuthenticatedContent{
		GroupID:     msg.GroupID,
		Epoch:       msg.Epoch,
		Sender:      msg.Sender,
		ContentType: msg.ContentType,
		Application: msg.Body,
		Signature:   msg.Signature,
	}, nil
}

/*******************************************************************************
Proposals
*******************************************************************************/

// AddProposal builds a proposal adding the member described by kp.
func (g *BasicGroup) AddProposal(kp *KeyPackage) (*Message, error) {
	p := &Proposal{Kind: ProposalAdd, KeyPackage: kp}
	return g.signMessage(ContentProposal, p.Marshal())
}

// RemoveProposal builds a proposal removing the member with the given
// identity.
func (g *BasicGroup) RemoveProposal(identity []byte) (*Message, error) {
	if _, ok := g.MemberIndex(identity); !ok {
		return nil, ErrUnknownMember
	}
	p := &Proposal{Kind: ProposalRemove, Removed: identity}
	return g.signMessage(ContentProposal, p.Marshal())
}

// UpdateProposal builds a proposal replacing the local leaf key. The new
// private key is staged and adopted when the update commits.
func (g *BasicGroup) UpdateProposal() (*Message, error) {
	priv, pubBytes, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	g.stagedKey = priv
	g.stagedKeyBytes = pubBytes

	p := &Proposal{Kind: ProposalUpdate, NewKey: pubBytes}
	return g.signMessage(ContentProposal, p.Marshal())
}

// HandleProposal validates and caches a proposal so that a later commit can
// apply it by reference. Re-handling the same proposal is a no-op.
func (g *BasicGroup) HandleProposal(msg *Message) (ProposalRef, error) {
	ref, ok := g.ValidProposal(msg)
	if !ok {
		return "", errors.New("group: invalid proposal")
	}
	for _, p := range g.pending {
		if p.ref == ref {
			return ref, nil
		}
	}

	proposal, err := ParseProposal(msg.Body)
	if err != nil {
		return "", err
	}
	g.pending = append(g.pending, &pendingProposal{
		ref:      ref,
		sender:   msg.Sender,
		proposal: proposal,
	})
	return ref, nil
}

// RemoveSelfUpdate drops pending update proposals authored by the local
// member, so that a self-commit does not apply its own update.
func (g *BasicGroup) RemoveSelfUpdate() {
	kept := g.pending[:0]
	for _, p := range g.pending {
		if p.proposal.Kind == ProposalUpdate && p.sender == g.selfIndex {
			continue
		}
		kept = append(kept, p)
	}
	g.pending = kept
}

// PendingProposalCount returns the number of cached proposals.
func (g *BasicGroup) PendingProposalCount() int {
	return len(g.pending)
}

// IsProposalFromSelf reports whether a proposal message was authored by the
// local member.
func (g *BasicGroup) IsProposalFromSelf(msg *Message) bool {
	return msg.ContentType == ContentProposal && msg.Sender == g.selfIndex
}

// FreshSecret returns commit randomness of the suite's secret size.
func (g *BasicGroup) FreshSecret() []byte {
	return randomBytes(g.suite.SecretSize())
}

/*******************************************************************************
Commits
*******************************************************************************/

// Commit builds a commit applying every cached proposal, the welcome for
// any members it adds, and the state of the next epoch. The current state
// is left untouched; the next state takes effect when the commit is
// delivered by consensus.
func (g *BasicGroup) Commit(secret []byte) (*Message, *Welcome, *BasicGroup, error) {
	_ = secret // entropy only; the dev group derives no key schedule

	body := &CommitBody{}
	for _, p := range g.pending {
		body.Proposals = append(body.Proposals, p.ref)
	}

	msg, err := g.signMessage(ContentCommit, body.Marshal())
	if err != nil {
		return nil, nil, nil, err
	}

	next, err := g.applyCommit(msg)
	if err != nil {
		return nil, nil, nil, err
	}

	added, _ := g.CommitMembershipChanges(msg)
	var welcome *Welcome
	if len(added) > 0 {
		welcome = next.buildWelcome()
	}

	return msg, welcome, next, nil
}

// HandleCommit applies a remote commit and returns the next epoch's state.
func (g *BasicGroup) HandleCommit(msg *Message) (*BasicGroup, error) {
	if _, ok := g.ValidCommit(msg); !ok {
		return nil, errors.New("group: invalid commit")
	}
	return g.applyCommit(msg)
}

func (g *BasicGroup) applyCommit(msg *Message) (*BasicGroup, error) {
	body, err := ParseCommitBody(msg.Body)
	if err != nil {
		return nil, err
	}

	next := g.clone()
	for _, ref := range body.Proposals {
		p := g.findPending(ref)
		if p == nil {
			return nil, fmt.Errorf("group: commit references unknown proposal %x", ref.Short())
		}

		switch p.proposal.Kind {
		case ProposalAdd:
			pub, err := unmarshalPubKey(p.proposal.KeyPackage.PubKey)
			if err != nil {
				return nil, err
			}
			next.leaves = append(next.leaves, leaf{
				identity:    append([]byte{}, p.proposal.KeyPackage.Identity...),
				pubKey:      pub,
				pubKeyBytes: append([]byte{}, p.proposal.KeyPackage.PubKey...),
				active:      true,
			})

		case ProposalRemove:
			if idx, ok := next.MemberIndex(p.proposal.Removed); ok {
				next.leaves[idx].active = false
			}

		case ProposalUpdate:
			if int(p.sender) < len(next.leaves) && next.leaves[p.sender].active {
				pub, err := unmarshalPubKey(p.proposal.NewKey)
				if err != nil {
					return nil, err
				}
				next.leaves[p.sender].pubKey = pub
				next.leaves[p.sender].pubKeyBytes = append([]byte{}, p.proposal.NewKey...)

				if p.sender == g.selfIndex && g.stagedKey != nil {
					next.privKey = g.stagedKey
				}
			}
		}
	}

	next.epoch = g.epoch + 1
	next.pending = nil
	next.stagedKey = nil
	next.stagedKeyBytes = nil
	return next, nil
}

// Clone returns an independent copy of the state, cached proposals
// included. The client commits on a copy so that dropping its own pending
// self-update does not affect the live state.
func (g *BasicGroup) Clone() *BasicGroup {
	next := g.clone()
	next.pending = append([]*pendingProposal{}, g.pending...)
	next.stagedKey = g.stagedKey
	next.stagedKeyBytes = g.stagedKeyBytes
	return next
}

func (g *BasicGroup) clone() *BasicGroup {
	next := &BasicGroup{
		groupID:   g.groupID,
		epoch:     g.epoch,
		selfIndex: g.selfIndex,
		privKey:   g.privKey,
		leaves:    make([]leaf, len(g.leaves)),
	}
	copy(next.leaves, g.leaves)
	return next
}

func (g *BasicGroup) findPending(ref ProposalRef) *pendingProposal {
	for _, p := range g.pending {
		if p.ref == ref {
			return p
		}
	}
	return nil
}

func (g *BasicGroup) buildWelcome() *Welcome {
	w := &Welcome{
		GroupID: g.groupID,
		Epoch:   g.epoch,
	}
	for i, l := range g.leaves {
		if l.active {
			w.Roster = append(w.Roster, RosterEntry{
				Index:    uint32(i),
				Identity: l.identity,
				PubKey:   l.pubKeyBytes,
			})
		}
	}
	return w
}

/*******************************************************************************
Classification
*******************************************************************************/

// ValidProposal implements GroupState.
func (g *BasicGroup) ValidProposal(msg *Message) (ProposalRef, bool) {
	ac, err := g.Unprotect(msg)
	if err != nil || ac.ContentType != ContentProposal {
		return "", false
	}
	return g.suite.ProposalRefOf(msg), true
}

// ValidCommit implements GroupState.
func (g *BasicGroup) ValidCommit(msg *Message) ([]ProposalRef, bool) {
	ac, err := g.Unprotect(msg)
	if err != nil || ac.ContentType != ContentCommit {
		return nil, false
	}
	body, err := ParseCommitBody(msg.Body)
	if err != nil {
		return nil, false
	}
	return body.Proposals, true
}

// ValidApplicationMessage implements GroupState.
func (g *BasicGroup) ValidApplicationMessage(msg *Message) ([]byte, bool) {
	ac, err := g.Unprotect(msg)
	if err != nil || ac.ContentType != ContentApplication {
		return nil, false
	}
	return ac.Application, true
}

// CommitSender implements GroupState.
func (g *BasicGroup) CommitSender(msg *Message) (uint32, bool) {
	if msg == nil || msg.ContentType != ContentCommit {
		return 0, false
	}
	return msg.Sender, true
}

// CommitProposalCount implements GroupState.
func (g *BasicGroup) CommitProposalCount(msg *Message) int {
	if msg == nil || msg.ContentType != ContentCommit {
		return 0
	}
	body, err := ParseCommitBody(msg.Body)
	if err != nil {
		return 0
	}
	return len(body.Proposals)
}

// CommitMembershipChanges implements GroupState.
func (g *BasicGroup) CommitMembershipChanges(msg *Message) (added [][]byte, removed [][]byte) {
	if msg == nil || msg.ContentType != ContentCommit {
		return nil, nil
	}
	body, err := ParseCommitBody(msg.Body)
	if err != nil {
		return nil, nil
	}

	for _, ref := range body.Proposals {
		p := g.findPending(ref)
		if p == nil {
			continue
		}
		switch p.proposal.Kind {
		case ProposalAdd:
			added = append(added, p.proposal.KeyPackage.Identity)
		case ProposalRemove:
			removed = append(removed, p.proposal.Removed)
		}
	}
	return added, removed
}
