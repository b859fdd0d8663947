package consensus

import (
	"fmt"

	"github.com/HiveNetCode/distributed-mls/src/group"
	"github.com/HiveNetCode/distributed-mls/src/wire"
)

// Signature is a verified CAC signature: a member-authenticated statement
// that the sender witnessed, or is ready to deliver, a referenced message.
// Every honest member numbers its signatures 0,1,2,… within an epoch, so a
// receiver can detect withheld statements.
//
// Identity is the reference of the authenticated envelope, which makes
// copies of the same signature received through different paths
// deduplicate cleanly.
type Signature struct {
	Sequence uint32
	Kind     uint8 // wire.CACWitness or wire.CACReady
	Ref      group.Ref

	Auth    *group.AuthenticatedContent
	authRef group.Ref
}

// SignCAC issues a signature with the given sequence number.
func SignCAC(state group.GroupState, sequence uint32, kind uint8, ref group.Ref) (*Signature, error) {
	data := &wire.CACSignatureData{
		Sequence: sequence,
		Kind:     kind,
		Ref:      ref,
	}

	auth, err := state.Sign(data.Marshal())
	if err != nil {
		return nil, fmt.Errorf("consensus: signing CAC statement: %w", err)
	}

	return &Signature{
		Sequence: sequence,
		Kind:     kind,
		Ref:      ref,
		Auth:     auth,
		authRef:  state.Suite().AuthContentRef(auth),
	}, nil
}

// VerifyCACSignature checks that an authenticated content is a valid CAC
// signature under the current group state: authenticated by a member at the
// current epoch, with a well-formed body and a recognised kind.
func VerifyCACSignature(state group.GroupState, auth *group.AuthenticatedContent) (*Signature, bool) {
	if auth == nil || auth.ContentType != group.ContentApplication {
		return nil, false
	}
	if !state.Verify(auth) {
		return nil, false
	}

	data, err := wire.ParseCACSignatureData(auth.Application)
	if err != nil {
		return nil, false
	}

	return &Signature{
		Sequence: data.Sequence,
		Kind:     data.Kind,
		Ref:      data.Ref,
		Auth:     auth,
		authRef:  state.Suite().AuthContentRef(auth),
	}, true
}

// Sender returns the signer's leaf index.
func (s *Signature) Sender() uint32 {
	return s.Auth.Sender
}

// AuthRef returns the signature's identity.
func (s *Signature) AuthRef() group.Ref {
	return s.authRef
}

// IsWitness reports whether this is a witness statement.
func (s *Signature) IsWitness() bool { return s.Kind == wire.CACWitness }

// IsReady reports whether this is a ready statement.
func (s *Signature) IsReady() bool { return s.Kind == wire.CACReady }

// String formats the signature for logs.
func (s *Signature) String() string {
	kind := "R"
	if s.IsWitness() {
		kind = "W"
	}
	return fmt.Sprintf("(s:%d,seq:%d,%s,%x)", s.Sender(), s.Sequence, kind, s.Ref.Short())
}
