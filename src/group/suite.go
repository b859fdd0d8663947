package group

import (
	"crypto/sha256"
	"sort"

	"github.com/HiveNetCode/distributed-mls/src/common"
)

// Reference labels. Hashes are domain-separated so that references to
// different kinds of content can never collide.
const (
	// MessageRefLabel is the label under which MLS messages are referenced.
	MessageRefLabel = "MLS 1.0 Message Reference"

	// ProposalRefLabel is the label under which proposals are referenced.
	ProposalRefLabel = "MLS 1.0 Proposal Reference"

	// AuthContentRefLabel is the label under which authenticated contents,
	// and therefore CAC signatures, are referenced.
	AuthContentRefLabel = "MLS 1.0 AuthenticatedContent Reference"

	// CAC2ContentRefLabel is the label under which the payloads of the second
	// CAC instance of the cascade are referenced.
	CAC2ContentRefLabel = "Distributed Delivery Service 1.0 CAC 2 Content"
)

// Ref is a cryptographic reference over a serialized message. Refs compare
// and order byte-lexicographically, which Go strings do natively, so a Ref
// can be used directly as a map key.
type Ref string

// ProposalRef references a proposal held in the group state.
type ProposalRef = Ref

// Bytes returns the raw digest.
func (r Ref) Bytes() []byte {
	return []byte(r)
}

// Short returns a compact tag of the reference for log output.
func (r Ref) Short() uint32 {
	return common.Hash32([]byte(r))
}

// Equal reports whether two refs are the same digest.
func (r Ref) Equal(other Ref) bool {
	return r == other
}

// CipherSuite exposes the reference function of the group's cipher suite.
// The delivery service never touches key material directly: signing and
// verification go through the GroupState, and the suite only computes
// domain-separated references.
type CipherSuite struct{}

// Ref computes the reference of data under the given label.
func (CipherSuite) Ref(label string, data []byte) Ref {
	h := sha256.New()

	var prefix Writer
	prefix.U32(uint32(len(label)))
	prefix.Raw([]byte(label))

	h.Write(prefix.Data())
	h.Write(data)

	return Ref(h.Sum(nil))
}

// MessageRef references an MLS message.
func (s CipherSuite) MessageRef(m *Message) Ref {
	return s.Ref(MessageRefLabel, m.Marshal())
}

// ProposalRefOf references a proposal message.
func (s CipherSuite) ProposalRefOf(m *Message) ProposalRef {
	return s.Ref(ProposalRefLabel, m.Marshal())
}

// AuthContentRef references an authenticated content, which is how CAC
// signatures are deduplicated.
func (s CipherSuite) AuthContentRef(ac *AuthenticatedContent) Ref {
	return s.Ref(AuthContentRefLabel, ac.Marshal())
}

// SecretSize is the size of commit randomness for this suite.
func (CipherSuite) SecretSize() int {
	return sha256.Size
}

// SortRefs orders refs byte-lexicographically in place.
func SortRefs(refs []Ref) {
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
}
