package group

import (
	"errors"
	"fmt"
)

// Message is the public MLS message form exchanged between members: a
// proposal, a commit, or a protected application payload. The delivery
// service treats it as an opaque envelope with a readable epoch; only the
// GroupState can validate or open it.
type Message struct {
	GroupID     []byte
	Epoch       uint64
	Sender      uint32
	ContentType ContentType
	Body        []byte
	Signature   []byte
}

func (m *Message) tbs() []byte {
	var w Writer
	w.Bytes(m.GroupID)
	w.U64(m.Epoch)
	w.U32(m.Sender)
	w.U8(uint8(m.ContentType))
	w.Bytes(m.Body)
	return w.Data()
}

// Marshal returns the wire encoding of the message.
func (m *Message) Marshal() []byte {
	var w Writer
	w.Raw(m.tbs())
	w.Bytes(m.Signature)
	return w.Data()
}

// ReadMessage decodes one Message from r.
func ReadMessage(r *Reader) *Message {
	m := &Message{
		GroupID: r.Bytes(),
		Epoch:   r.U64(),
		Sender:  r.U32(),
	}
	m.ContentType = ContentType(r.U8())
	m.Body = r.Bytes()
	m.Signature = r.Bytes()
	if r.Err() != nil {
		return nil
	}
	return m
}

// ParseMessage decodes a standalone encoding.
func ParseMessage(b []byte) (*Message, error) {
	r := NewReader(b)
	m := ReadMessage(r)
	if m == nil {
		return nil, r.Err()
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	return m, nil
}

/*******************************************************************************
Proposals
*******************************************************************************/

// ProposalKind discriminates group-change proposals.
type ProposalKind uint8

const (
	// ProposalAdd introduces a new member through its KeyPackage.
	ProposalAdd ProposalKind = 1

	// ProposalRemove evicts a member, designated by identity.
	ProposalRemove ProposalKind = 2

	// ProposalUpdate replaces the sender's leaf key.
	ProposalUpdate ProposalKind = 3
)

// Proposal is the body of a proposal message.
type Proposal struct {
	Kind       ProposalKind
	KeyPackage *KeyPackage // add
	Removed    []byte      // remove: identity of the evicted member
	NewKey     []byte      // update: the sender's new public key
}

// Marshal encodes the proposal body.
func (p *Proposal) Marshal() []byte {
	var w Writer
	w.U8(uint8(p.Kind))
	switch p.Kind {
	case ProposalAdd:
		w.Bytes(p.KeyPackage.Marshal())
	case ProposalRemove:
		w.Bytes(p.Removed)
	case ProposalUpdate:
		w.Bytes(p.NewKey)
	}
	return w.Data()
}

// ParseProposal decodes a proposal body.
func ParseProposal(b []byte) (*Proposal, error) {
	r := NewReader(b)
	p := &Proposal{Kind: ProposalKind(r.U8())}
	switch p.Kind {
	case ProposalAdd:
		kp, err := ParseKeyPackage(r.Bytes())
		if err != nil {
			return nil, err
		}
		p.KeyPackage = kp
	case ProposalRemove:
		p.Removed = r.Bytes()
	case ProposalUpdate:
		p.NewKey = r.Bytes()
	default:
		return nil, fmt.Errorf("group: unknown proposal kind %d", p.Kind)
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	return p, nil
}

/*******************************************************************************
Commits
*******************************************************************************/

// CommitBody lists the proposals a commit applies, by reference, in
// application order.
type CommitBody struct {
	Proposals []ProposalRef
}

// Marshal encodes the commit body.
func (c *CommitBody) Marshal() []byte {
	var w Writer
	w.U32(uint32(len(c.Proposals)))
	for _, ref := range c.Proposals {
		w.Bytes(ref.Bytes())
	}
	return w.Data()
}

// ParseCommitBody decodes a commit body.
func ParseCommitBody(b []byte) (*CommitBody, error) {
	r := NewReader(b)
	count := r.Count()
	body := &CommitBody{}
	for i := 0; i < count; i++ {
		body.Proposals = append(body.Proposals, Ref(r.Bytes()))
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	return body, nil
}

/*******************************************************************************
KeyPackage and Welcome
*******************************************************************************/

// KeyPackage is a member's published credential: its identity and public
// key. It is published to the PKI and consumed by Add proposals.
type KeyPackage struct {
	Identity []byte
	PubKey   []byte
}

// Marshal encodes the key package.
func (kp *KeyPackage) Marshal() []byte {
	var w Writer
	w.Bytes(kp.Identity)
	w.Bytes(kp.PubKey)
	return w.Data()
}

// ParseKeyPackage decodes a key package.
func ParseKeyPackage(b []byte) (*KeyPackage, error) {
	r := NewReader(b)
	kp := &KeyPackage{
		Identity: r.Bytes(),
		PubKey:   r.Bytes(),
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	if len(kp.Identity) == 0 {
		return nil, errors.New("group: key package without identity")
	}
	return kp, nil
}

// RosterEntry is one leaf of the group tree as carried by a Welcome.
type RosterEntry struct {
	Index    uint32
	Identity []byte
	PubKey   []byte
}

// Welcome carries the state a newly added member needs to join the group at
// the epoch created by the commit that added it.
type Welcome struct {
	GroupID []byte
	Epoch   uint64
	Roster  []RosterEntry
}

// Marshal encodes the welcome.
func (wl *Welcome) Marshal() []byte {
	var w Writer
	w.Bytes(wl.GroupID)
	w.U64(wl.Epoch)
	w.U32(uint32(len(wl.Roster)))
	for _, e := range wl.Roster {
		w.U32(e.Index)
		w.Bytes(e.Identity)
		w.Bytes(e.PubKey)
	}
	return w.Data()
}

// ParseWelcome decodes a welcome.
func ParseWelcome(b []byte) (*Welcome, error) {
	r := NewReader(b)
	wl := &Welcome{
		GroupID: r.Bytes(),
		Epoch:   r.U64(),
	}
	count := r.Count()
	for i := 0; i < count; i++ {
		wl.Roster = append(wl.Roster, RosterEntry{
			Index:    r.U32(),
			Identity: r.Bytes(),
			PubKey:   r.Bytes(),
		})
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	return wl, nil
}
