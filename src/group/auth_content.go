package group

// ContentType discriminates the content of MLS messages and authenticated
// contents, with the RFC 9420 code points.
type ContentType uint8

const (
	// ContentApplication is application data, including every signed payload
	// that the consensus layers exchange.
	ContentApplication ContentType = 1

	// ContentProposal is a group-change proposal.
	ContentProposal ContentType = 2

	// ContentCommit finalises a set of proposals and advances the epoch.
	ContentCommit ContentType = 3
)

func (t ContentType) String() string {
	switch t {
	case ContentApplication:
		return "application"
	case ContentProposal:
		return "proposal"
	case ContentCommit:
		return "commit"
	}
	return "unknown"
}

// AuthenticatedContent is a member-signed payload bound to a group and an
// epoch. The consensus layers reuse it as their signing primitive: CAC
// signatures, restrained-consensus subsets, PBFT votes and retracts are all
// authenticated contents whose application bytes encode the protocol data.
type AuthenticatedContent struct {
	GroupID     []byte
	Epoch       uint64
	Sender      uint32
	ContentType ContentType
	Application []byte
	Signature   []byte
}

// tbs is the to-be-signed encoding: everything but the signature.
func (ac *AuthenticatedContent) tbs() []byte {
	var w Writer
	w.Bytes(ac.GroupID)
	w.U64(ac.Epoch)
	w.U32(ac.Sender)
	w.U8(uint8(ac.ContentType))
	w.Bytes(ac.Application)
	return w.Data()
}

// Marshal returns the full encoding, signature included.
func (ac *AuthenticatedContent) Marshal() []byte {
	var w Writer
	w.Raw(ac.tbs())
	w.Bytes(ac.Signature)
	return w.Data()
}

// ReadAuthenticatedContent decodes one AuthenticatedContent from r.
func ReadAuthenticatedContent(r *Reader) *AuthenticatedContent {
	ac := &AuthenticatedContent{
		GroupID: r.Bytes(),
		Epoch:   r.U64(),
		Sender:  r.U32(),
	}
	ac.ContentType = ContentType(r.U8())
	ac.Application = r.Bytes()
	ac.Signature = r.Bytes()
	if r.Err() != nil {
		return nil
	}
	return ac
}

// ParseAuthenticatedContent decodes a standalone encoding.
func ParseAuthenticatedContent(b []byte) (*AuthenticatedContent, error) {
	r := NewReader(b)
	ac := ReadAuthenticatedContent(r)
	if ac == nil {
		return nil, r.Err()
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	return ac, nil
}

// Write appends the encoding of ac to w.
func (ac *AuthenticatedContent) Write(w *Writer) {
	w.Raw(ac.Marshal())
}
