package group

// Member is one active leaf of the group.
type Member struct {
	Index    uint32
	Identity []byte
}

// GroupState is the face the delivery service sees of the underlying MLS
// group. All signing, verification and message classification goes through
// it; the protocol components never hold key material. A production build
// would back it with a full MLS stack; BasicGroup is a self-contained
// implementation carrying the same semantics.
//
// Classification helpers answer for the current epoch only: a message from
// another epoch, or failing verification, is reported as invalid.
type GroupState interface {
	// GroupID returns the group identifier.
	GroupID() []byte

	// Epoch returns the current epoch.
	Epoch() uint64

	// Index returns the local member's leaf index.
	Index() uint32

	// Suite returns the group's cipher suite.
	Suite() CipherSuite

	// Members returns the active members in ascending leaf-index order.
	Members() []Member

	// MemberIdentity resolves a leaf index to an identity.
	MemberIdentity(index uint32) ([]byte, bool)

	// Sign wraps application bytes in a member-signed AuthenticatedContent
	// at the current epoch.
	Sign(application []byte) (*AuthenticatedContent, error)

	// Verify checks an AuthenticatedContent against the current epoch and
	// membership.
	Verify(ac *AuthenticatedContent) bool

	// Protect wraps application bytes in an MLS message for the wire.
	Protect(content []byte) (*Message, error)

	// Unprotect opens an MLS message, returning its authenticated content.
	Unprotect(msg *Message) (*AuthenticatedContent, error)

	// ValidProposal reports whether msg is a valid proposal for the current
	// epoch, and its proposal reference.
	ValidProposal(msg *Message) (ProposalRef, bool)

	// ValidCommit reports whether msg is a valid commit for the current
	// epoch, and the proposal references it applies.
	ValidCommit(msg *Message) ([]ProposalRef, bool)

	// ValidApplicationMessage reports whether msg is a valid application
	// message for the current epoch, and its content.
	ValidApplicationMessage(msg *Message) ([]byte, bool)

	// CommitSender returns the leaf index that authored a commit.
	CommitSender(msg *Message) (uint32, bool)

	// CommitProposalCount returns the number of proposals a commit applies.
	CommitProposalCount(msg *Message) int

	// CommitMembershipChanges lists the identities a commit adds and
	// removes, resolved against the locally cached proposals.
	CommitMembershipChanges(msg *Message) (added [][]byte, removed [][]byte)
}
