package wire

import (
	"fmt"

	"github.com/HiveNetCode/distributed-mls/src/group"
)

/*******************************************************************************
Signed bodies
*******************************************************************************/

// CACSignatureData is the application body of a CAC signature: the signer's
// next sequence number, the signature kind, and the referenced message.
type CACSignatureData struct {
	Sequence uint32
	Kind     uint8 // CACWitness or CACReady
	Ref      group.Ref
}

// Marshal encodes the body.
func (d *CACSignatureData) Marshal() []byte {
	var w group.Writer
	w.U32(d.Sequence)
	w.U8(d.Kind)
	w.Bytes(d.Ref.Bytes())
	return w.Data()
}

// ParseCACSignatureData decodes the body.
func ParseCACSignatureData(b []byte) (*CACSignatureData, error) {
	r := group.NewReader(b)
	d := &CACSignatureData{
		Sequence: r.U32(),
		Kind:     r.U8(),
	}
	d.Ref = group.Ref(r.Bytes())
	if err := r.Done(); err != nil {
		return nil, err
	}
	if d.Kind != CACWitness && d.Kind != CACReady {
		return nil, fmt.Errorf("%w: CAC signature kind %d", ErrUnknownTag, d.Kind)
	}
	return d, nil
}

// ConsensusContent is the signed body of PBFT pre-prepare, prepare and
// commit votes: a view number and the reference of the proposed value.
type ConsensusContent struct {
	View uint32
	Ref  group.Ref
}

// Marshal encodes the body.
func (c *ConsensusContent) Marshal() []byte {
	var w group.Writer
	w.U32(c.View)
	w.Bytes(c.Ref.Bytes())
	return w.Data()
}

// ParseConsensusContent decodes the body.
func ParseConsensusContent(b []byte) (*ConsensusContent, error) {
	r := group.NewReader(b)
	c := &ConsensusContent{View: r.U32()}
	c.Ref = group.Ref(r.Bytes())
	if err := r.Done(); err != nil {
		return nil, err
	}
	return c, nil
}

// ViewChangeContent is the signed body of a PBFT view-change vote.
type ViewChangeContent struct {
	View uint32
}

// Marshal encodes the body.
func (c *ViewChangeContent) Marshal() []byte {
	var w group.Writer
	w.U32(c.View)
	return w.Data()
}

// ParseViewChangeContent decodes the body.
func ParseViewChangeContent(b []byte) (*ViewChangeContent, error) {
	r := group.NewReader(b)
	c := &ViewChangeContent{View: r.U32()}
	if err := r.Done(); err != nil {
		return nil, err
	}
	return c, nil
}

/*******************************************************************************
CAC2Content
*******************************************************************************/

// CAC2Content is the payload of the second CAC instance of a cascade: the
// set of conflicting commit references agreed by restrained consensus, with
// the signatures justifying it. Both lists are sorted before broadcast so
// that equal results hash to equal references.
type CAC2Content struct {
	Refs []group.Ref
	Sigs []*group.AuthenticatedContent
}

// Marshal encodes the content.
func (c *CAC2Content) Marshal() []byte {
	var w group.Writer
	w.U32(uint32(len(c.Refs)))
	for _, ref := range c.Refs {
		w.Bytes(ref.Bytes())
	}
	w.U32(uint32(len(c.Sigs)))
	for _, sig := range c.Sigs {
		sig.Write(&w)
	}
	return w.Data()
}

// ParseCAC2Content decodes the content.
func ParseCAC2Content(b []byte) (*CAC2Content, error) {
	r := group.NewReader(b)
	c := &CAC2Content{}

	count := r.Count()
	for i := 0; i < count; i++ {
		c.Refs = append(c.Refs, group.Ref(r.Bytes()))
	}

	count = r.Count()
	for i := 0; i < count; i++ {
		sig := group.ReadAuthenticatedContent(r)
		if sig == nil {
			return nil, r.Err()
		}
		c.Sigs = append(c.Sigs, sig)
	}

	if err := r.Done(); err != nil {
		return nil, err
	}
	return c, nil
}

// RefOf returns the domain-separated reference of the content.
func (c *CAC2Content) RefOf(suite group.CipherSuite) group.Ref {
	return suite.Ref(group.CAC2ContentRefLabel, c.Marshal())
}

/*******************************************************************************
Full consensus
*******************************************************************************/

// ConsensusMessageType tags full-consensus messages.
type ConsensusMessageType uint8

const (
	// ConsensusPropose forwards a value to the view's leader.
	ConsensusPropose ConsensusMessageType = 1

	// ConsensusPrePrepare is the leader's signed proposal for the view.
	ConsensusPrePrepare ConsensusMessageType = 2

	// ConsensusPrepare is a replica's signed echo of the pre-prepare.
	ConsensusPrepare ConsensusMessageType = 3

	// ConsensusCommit is a replica's signed commit vote.
	ConsensusCommit ConsensusMessageType = 4

	// ConsensusViewChange is a signed vote to move to the next view.
	ConsensusViewChange ConsensusMessageType = 5
)

// ConsensusMessage is the body of a CascadeFC message.
type ConsensusMessage struct {
	Type ConsensusMessageType

	// ConsensusPropose
	View    uint32
	Content *CAC2Content

	// ConsensusPrePrepare, ConsensusPrepare, ConsensusCommit,
	// ConsensusViewChange
	Signed *group.AuthenticatedContent

	// ConsensusPrePrepare
	Proposed *CAC2Content
}

// Marshal encodes the message.
func (m *ConsensusMessage) Marshal() []byte {
	var w group.Writer
	w.U8(uint8(m.Type))
	switch m.Type {
	case ConsensusPropose:
		w.U32(m.View)
		w.Bytes(m.Content.Marshal())
	case ConsensusPrePrepare:
		m.Signed.Write(&w)
		w.Bytes(m.Proposed.Marshal())
	case ConsensusPrepare, ConsensusCommit, ConsensusViewChange:
		m.Signed.Write(&w)
	}
	return w.Data()
}

// ParseConsensusMessage decodes the message.
func ParseConsensusMessage(b []byte) (*ConsensusMessage, error) {
	r := group.NewReader(b)
	m := &ConsensusMessage{Type: ConsensusMessageType(r.U8())}
	if r.Err() != nil {
		return nil, r.Err()
	}

	switch m.Type {
	case ConsensusPropose:
		m.View = r.U32()
		content, err := ParseCAC2Content(r.Bytes())
		if err != nil {
			return nil, err
		}
		m.Content = content

	case ConsensusPrePrepare:
		m.Signed = group.ReadAuthenticatedContent(r)
		if m.Signed == nil {
			return nil, r.Err()
		}
		proposed, err := ParseCAC2Content(r.Bytes())
		if err != nil {
			return nil, err
		}
		m.Proposed = proposed

	case ConsensusPrepare, ConsensusCommit, ConsensusViewChange:
		m.Signed = group.ReadAuthenticatedContent(r)
		if m.Signed == nil {
			return nil, r.Err()
		}

	default:
		return nil, fmt.Errorf("%w: ConsensusMessage tag %d", ErrUnknownTag, m.Type)
	}

	if err := r.Done(); err != nil {
		return nil, err
	}
	return m, nil
}
