package wire

import (
	"fmt"

	"github.com/HiveNetCode/distributed-mls/src/group"
)

// CascadeMessageType tags the consensus sub-protocols multiplexed inside an
// MLS-protected DDSCascadeConsensus frame.
type CascadeMessageType uint8

const (
	// CascadeCAC is a message of the first CAC broadcast instance, carrying
	// commits.
	CascadeCAC CascadeMessageType = 1

	// CascadeRC is a restrained-consensus message.
	CascadeRC CascadeMessageType = 2

	// CascadeCAC2 is a message of the second CAC broadcast instance,
	// carrying restrained-consensus results.
	CascadeCAC2 CascadeMessageType = 3

	// CascadeFC is a full-consensus (PBFT) message.
	CascadeFC CascadeMessageType = 4
)

// CascadeMessage is the content of a protected consensus frame. Instance
// disambiguates the two CAC broadcast instances of one cascade.
type CascadeMessage struct {
	Instance uint8
	Type     CascadeMessageType

	CAC  *CACMessage        // CascadeCAC and CascadeCAC2
	RC   *RestrainedMessage // CascadeRC
	Cons *ConsensusMessage  // CascadeFC
}

// Marshal encodes the cascade message.
func (m *CascadeMessage) Marshal() []byte {
	var w group.Writer
	w.U8(m.Instance)
	w.U8(uint8(m.Type))
	switch m.Type {
	case CascadeCAC, CascadeCAC2:
		w.Raw(m.CAC.Marshal())
	case CascadeRC:
		w.Raw(m.RC.Marshal())
	case CascadeFC:
		w.Raw(m.Cons.Marshal())
	}
	return w.Data()
}

// ParseCascadeMessage decodes a cascade message.
func ParseCascadeMessage(b []byte) (*CascadeMessage, error) {
	r := group.NewReader(b)
	m := &CascadeMessage{
		Instance: r.U8(),
		Type:     CascadeMessageType(r.U8()),
	}
	if r.Err() != nil {
		return nil, r.Err()
	}

	body := b[2:]
	switch m.Type {
	case CascadeCAC, CascadeCAC2:
		cac, err := ParseCACMessage(body)
		if err != nil {
			return nil, err
		}
		m.CAC = cac

	case CascadeRC:
		rc, err := ParseRestrainedMessage(body)
		if err != nil {
			return nil, err
		}
		m.RC = rc

	case CascadeFC:
		cons, err := ParseConsensusMessage(body)
		if err != nil {
			return nil, err
		}
		m.Cons = cons

	default:
		return nil, fmt.Errorf("%w: CascadeMessage tag %d", ErrUnknownTag, m.Type)
	}
	return m, nil
}

/*******************************************************************************
CAC
*******************************************************************************/

// CAC signature kinds, as carried in both CACMessage and the signed body of
// a CAC signature.
const (
	CACWitness uint8 = 1
	CACReady   uint8 = 2
)

// CACMessage carries a batch of CAC signatures and, optionally, the payload
// being broadcast. The payload occupies the remainder of the frame, so its
// encoding stays opaque at this layer: each CAC instance knows its own
// payload type.
type CACMessage struct {
	Kind    uint8
	Sigs    []*group.AuthenticatedContent
	Payload []byte // nil when absent
}

// IsWitness reports whether this is a witness-phase message.
func (m *CACMessage) IsWitness() bool { return m.Kind == CACWitness }

// IsReady reports whether this is a ready-phase message.
func (m *CACMessage) IsReady() bool { return m.Kind == CACReady }

// Marshal encodes the CAC message.
func (m *CACMessage) Marshal() []byte {
	var w group.Writer
	w.U8(m.Kind)
	w.U32(uint32(len(m.Sigs)))
	for _, sig := range m.Sigs {
		sig.Write(&w)
	}
	if m.Payload != nil {
		w.U8(1)
		w.Raw(m.Payload)
	} else {
		w.U8(0)
	}
	return w.Data()
}

// ParseCACMessage decodes a CAC message. The optional payload extends to the
// end of the input.
func ParseCACMessage(b []byte) (*CACMessage, error) {
	r := group.NewReader(b)
	m := &CACMessage{Kind: r.U8()}
	if m.Kind != CACWitness && m.Kind != CACReady {
		return nil, fmt.Errorf("%w: CACMessage kind %d", ErrUnknownTag, m.Kind)
	}

	count := r.Count()
	for i := 0; i < count; i++ {
		sig := group.ReadAuthenticatedContent(r)
		if sig == nil {
			return nil, r.Err()
		}
		m.Sigs = append(m.Sigs, sig)
	}

	present := r.U8()
	if r.Err() != nil {
		return nil, r.Err()
	}
	if present != 0 {
		payload := r.Raw(r.Remaining())
		if r.Err() != nil {
			return nil, r.Err()
		}
		m.Payload = append([]byte{}, payload...)
	} else if err := r.Done(); err != nil {
		return nil, err
	}
	return m, nil
}

/*******************************************************************************
Restrained Consensus
*******************************************************************************/

// RestrainedMessageType tags restrained-consensus messages.
type RestrainedMessageType uint8

const (
	// RestrainedParticipate carries a participant's signed power subsets.
	RestrainedParticipate RestrainedMessageType = 1

	// RestrainedRetract is the signed RETRACT sentinel of a conflict-set
	// member that did not propose.
	RestrainedRetract RestrainedMessageType = 2
)

// RefPair binds the leaf index that authored a conflicting commit to the
// commit's reference.
type RefPair struct {
	Sender uint32
	Ref    group.Ref
}

// MarshalRefPairs encodes a subset of (sender, ref) pairs. This is also the
// signed body of a restrained-consensus subset signature.
func MarshalRefPairs(pairs []RefPair) []byte {
	var w group.Writer
	w.U32(uint32(len(pairs)))
	for _, p := range pairs {
		w.U32(p.Sender)
		w.Bytes(p.Ref.Bytes())
	}
	return w.Data()
}

// ReadRefPairs decodes a subset of pairs from r.
func ReadRefPairs(r *group.Reader) []RefPair {
	count := r.Count()
	pairs := make([]RefPair, 0, count)
	for i := 0; i < count; i++ {
		pairs = append(pairs, RefPair{
			Sender: r.U32(),
			Ref:    group.Ref(r.Bytes()),
		})
	}
	if r.Err() != nil {
		return nil
	}
	return pairs
}

// ParseRefPairs decodes a standalone subset encoding.
func ParseRefPairs(b []byte) ([]RefPair, error) {
	r := group.NewReader(b)
	pairs := ReadRefPairs(r)
	if r.Err() != nil {
		return nil, r.Err()
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	return pairs, nil
}

// RestrainedContent is the body of a RestrainedParticipate message: the
// participant's signatures over every power subset containing it, the power
// set itself, and the CAC signatures proving each pair conflicted.
type RestrainedContent struct {
	SigSet   []*group.AuthenticatedContent
	PowerSet [][]RefPair
	Proofs   []*group.AuthenticatedContent
}

// Marshal encodes the content.
func (c *RestrainedContent) Marshal() []byte {
	var w group.Writer
	w.U32(uint32(len(c.SigSet)))
	for _, sig := range c.SigSet {
		sig.Write(&w)
	}
	w.U32(uint32(len(c.PowerSet)))
	for _, subset := range c.PowerSet {
		w.Raw(MarshalRefPairs(subset))
	}
	w.U32(uint32(len(c.Proofs)))
	for _, sig := range c.Proofs {
		sig.Write(&w)
	}
	return w.Data()
}

// ReadRestrainedContent decodes the content from r.
func ReadRestrainedContent(r *group.Reader) *RestrainedContent {
	c := &RestrainedContent{}

	count := r.Count()
	for i := 0; i < count; i++ {
		sig := group.ReadAuthenticatedContent(r)
		if sig == nil {
			return nil
		}
		c.SigSet = append(c.SigSet, sig)
	}

	count = r.Count()
	for i := 0; i < count; i++ {
		subset := ReadRefPairs(r)
		if r.Err() != nil {
			return nil
		}
		c.PowerSet = append(c.PowerSet, subset)
	}

	count = r.Count()
	for i := 0; i < count; i++ {
		sig := group.ReadAuthenticatedContent(r)
		if sig == nil {
			return nil
		}
		c.Proofs = append(c.Proofs, sig)
	}
	return c
}

// RestrainedMessage is the body of a CascadeRC message.
type RestrainedMessage struct {
	Type        RestrainedMessageType
	Participate *RestrainedContent          // RestrainedParticipate
	Retract     *group.AuthenticatedContent // RestrainedRetract
}

// Marshal encodes the message.
func (m *RestrainedMessage) Marshal() []byte {
	var w group.Writer
	w.U8(uint8(m.Type))
	switch m.Type {
	case RestrainedParticipate:
		w.Raw(m.Participate.Marshal())
	case RestrainedRetract:
		m.Retract.Write(&w)
	}
	return w.Data()
}

// ParseRestrainedMessage decodes the message.
func ParseRestrainedMessage(b []byte) (*RestrainedMessage, error) {
	r := group.NewReader(b)
	m := &RestrainedMessage{Type: RestrainedMessageType(r.U8())}
	if r.Err() != nil {
		return nil, r.Err()
	}

	switch m.Type {
	case RestrainedParticipate:
		c := ReadRestrainedContent(r)
		if c == nil {
			return nil, r.Err()
		}
		m.Participate = c

	case RestrainedRetract:
		retract := group.ReadAuthenticatedContent(r)
		if retract == nil {
			return nil, r.Err()
		}
		m.Retract = retract

	default:
		return nil, fmt.Errorf("%w: RestrainedMessage tag %d", ErrUnknownTag, m.Type)
	}

	if err := r.Done(); err != nil {
		return nil, err
	}
	return m, nil
}
