package consensus_test

import (
	"testing"
	"time"

	"github.com/HiveNetCode/distributed-mls/src/consensus"
	"github.com/HiveNetCode/distributed-mls/src/group"
	"github.com/HiveNetCode/distributed-mls/src/net"
	"github.com/HiveNetCode/distributed-mls/src/wire"
)

type rcResult struct {
	decided  bool
	set      []group.Ref
	retracts int
	bottom   bool
}

type rcNode struct {
	rc     *consensus.Restrained
	trans  *net.InmemTransport
	result rcResult
}

// newRCNodes wires restrained-consensus instances over an InmemHub. The
// emit callback routes messages by identity, excluding the sender, the way
// BroadcastSample does.
func newRCNodes(t *testing.T, hub *net.InmemHub, states []*group.BasicGroup, ids []string) []*rcNode {
	nodes := make([]*rcNode, len(ids))

	for i := range ids {
		node := &rcNode{trans: hub.NewTransport(ids[i])}
		nodes[i] = node
		self := ids[i]

		node.rc = consensus.NewRestrained(node.trans, 10*time.Millisecond,
			func(set []group.Ref, sigs, retracts []*group.AuthenticatedContent) {
				node.result = rcResult{decided: true, set: set, retracts: len(retracts)}
			},
			func() { node.result.bottom = true },
			func(msg *wire.RestrainedMessage, recipients []string) {
				frame := msg.Marshal()
				for _, recipient := range recipients {
					if recipient != self {
						node.trans.Send(recipient, frame)
					}
				}
			},
			testEntry(t))

		node.rc.NewEpoch(states[i])

		nodeTrans := node
		node.trans.SetHandler(func(frame []byte) {
			msg, err := wire.ParseRestrainedMessage(frame)
			if err != nil {
				t.Fatalf("Malformed restrained message: %s", err)
			}
			nodeTrans.rc.ReceiveMessage(msg)
		})

		for _, other := range ids {
			if other != self {
				node.trans.Connect(other)
			}
		}
	}
	return nodes
}

// cacProofs builds a valid witness proof per conflicting pair.
func cacProofs(t *testing.T, states []*group.BasicGroup, pairs []wire.RefPair) []*consensus.Signature {
	proofs := make([]*consensus.Signature, 0, len(pairs))
	for _, pair := range pairs {
		sig, err := consensus.SignCAC(states[pair.Sender], 0, wire.CACWitness, pair.Ref)
		if err != nil {
			t.Fatalf("Error signing proof: %s", err)
		}
		proofs = append(proofs, sig)
	}
	return proofs
}

func TestRestrainedBothPropose(t *testing.T) {
	ids := []string{"a", "b", "c"}
	states := buildStates(t, 0, ids...)
	hub := net.NewInmemHub()
	nodes := newRCNodes(t, hub, states, ids)

	suite := group.CipherSuite{}
	pairs := []wire.RefPair{
		{Sender: 0, Ref: suite.Ref("test", []byte("commit A"))},
		{Sender: 1, Ref: suite.Ref("test", []byte("commit B"))},
	}
	proofs := cacProofs(t, states, pairs)

	nodes[0].rc.Propose(pairs, proofs)
	nodes[1].rc.Propose(pairs, proofs)
	hub.Deliver()

	for _, i := range []int{0, 1} {
		result := nodes[i].result
		if !result.decided {
			t.Fatalf("Participant %d should decide", i)
		}
		if len(result.set) != 2 {
			t.Fatalf("Participant %d should decide on both commits, got %d", i, len(result.set))
		}
		if result.retracts != 0 {
			t.Fatalf("Participant %d should see no retract, got %d", i, result.retracts)
		}
		if result.bottom {
			t.Fatalf("Participant %d should not hit bottom", i)
		}
	}
}

func TestRestrainedRetractPath(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	states := buildStates(t, 0, ids...)
	hub := net.NewInmemHub()
	nodes := newRCNodes(t, hub, states, ids)

	suite := group.CipherSuite{}
	pairs := []wire.RefPair{
		{Sender: 0, Ref: suite.Ref("test", []byte("commit A"))},
		{Sender: 1, Ref: suite.Ref("test", []byte("commit B"))},
	}
	proofs := cacProofs(t, states, pairs)

	// only member 0 proposes; member 1, in the conflict set but without a
	// proposal of its own, retracts on seeing the protocol run
	nodes[0].rc.Propose(pairs, proofs)
	hub.Deliver()

	result := nodes[0].result
	if !result.decided {
		t.Fatal("The remaining participant should decide")
	}
	if len(result.set) != 1 || result.set[0] != pairs[0].Ref {
		t.Fatalf("The decision should shrink to the proposer's commit, got %v", result.set)
	}
	if result.retracts != 1 {
		t.Fatalf("The decision should carry one retract, got %d", result.retracts)
	}

	if nodes[1].result.decided || nodes[1].result.bottom {
		t.Fatal("The retracting member neither decides nor bottoms")
	}
}

func TestRestrainedTimeoutBottom(t *testing.T) {
	ids := []string{"a", "b", "c"}
	states := buildStates(t, 0, ids...)
	hub := net.NewInmemHub()
	nodes := newRCNodes(t, hub, states, ids)

	suite := group.CipherSuite{}
	pairs := []wire.RefPair{
		{Sender: 0, Ref: suite.Ref("test", []byte("commit A"))},
		{Sender: 1, Ref: suite.Ref("test", []byte("commit B"))},
	}
	proofs := cacProofs(t, states, pairs)

	// the other participants are gone: the proposal goes unanswered
	hub.Remove("b")
	hub.Remove("c")
	nodes[0].rc.Propose(pairs, proofs)

	hub.Advance(50 * time.Millisecond)

	if !nodes[0].result.bottom {
		t.Fatal("An unanswered proposal should terminate with bottom after 2 RTT")
	}
	if nodes[0].result.decided {
		t.Fatal("Bottom must not also decide")
	}
}

func TestRestrainedInvalidProofBottoms(t *testing.T) {
	ids := []string{"a", "b", "c"}
	states := buildStates(t, 0, ids...)
	hub := net.NewInmemHub()
	nodes := newRCNodes(t, hub, states, ids)

	suite := group.CipherSuite{}
	pairs := []wire.RefPair{
		{Sender: 0, Ref: suite.Ref("test", []byte("commit A"))},
		{Sender: 1, Ref: suite.Ref("test", []byte("commit B"))},
	}

	// a proof with a sequence gap: sequence 5 with nothing before it
	gapped, err := consensus.SignCAC(states[0], 5, wire.CACWitness, pairs[0].Ref)
	if err != nil {
		t.Fatalf("Error signing: %s", err)
	}

	// build the participate message by hand with the bad proof
	nodes[0].rc.ReceiveMessage(&wire.RestrainedMessage{
		Type: wire.RestrainedParticipate,
		Participate: &wire.RestrainedContent{
			SigSet: []*group.AuthenticatedContent{mustSign(t, states[1], wire.MarshalRefPairs(pairs))},
			PowerSet: [][]wire.RefPair{
				{pairs[0]}, {pairs[1]}, pairs,
			},
			Proofs: []*group.AuthenticatedContent{gapped.Auth},
		},
	})

	if !nodes[0].result.bottom {
		t.Fatal("A gapped proof sequence should terminate with bottom")
	}
}

func mustSign(t *testing.T, state *group.BasicGroup, content []byte) *group.AuthenticatedContent {
	sig, err := state.Sign(content)
	if err != nil {
		t.Fatalf("Error signing: %s", err)
	}
	return sig
}
