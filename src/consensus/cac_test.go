package consensus_test

import (
	"testing"

	"github.com/HiveNetCode/distributed-mls/src/consensus"
	"github.com/HiveNetCode/distributed-mls/src/group"
	"github.com/HiveNetCode/distributed-mls/src/wire"
)

type cacDelivery struct {
	payload     *group.Message
	conflictSet []group.Ref
}

// cacNet wires n CAC instances together with a FIFO frame queue, standing
// in for the network and the cascade's emit plumbing.
type cacNet struct {
	t          *testing.T
	states     []*group.BasicGroup
	cacs       []*consensus.CAC[*group.Message]
	queue      []cacFrame
	draining   bool
	deliveries [][]cacDelivery
}

type cacFrame struct {
	to  int
	msg *wire.CACMessage
}

func messageCodec() consensus.Codec[*group.Message] {
	suite := group.CipherSuite{}
	return consensus.Codec[*group.Message]{
		Marshal:   func(m *group.Message) []byte { return m.Marshal() },
		Unmarshal: group.ParseMessage,
		RefOf:     suite.MessageRef,
	}
}

func newCACNet(t *testing.T, ids ...string) *cacNet {
	n := &cacNet{
		t:          t,
		states:     buildStates(t, 0, ids...),
		deliveries: make([][]cacDelivery, len(ids)),
	}

	for i := range ids {
		node := i
		cac := consensus.NewCAC[*group.Message](consensus.CACK, messageCodec(),
			func(candidates []*group.Message) *group.Message { return candidates[0] },
			func(payload *group.Message) {
				// the delivery service would validate the commit; every
				// payload is acceptable here
				n.cacs[node].ValidateMessage(payload)
			},
			func(payload *group.Message, conflictSet []group.Ref, sigs []*consensus.Signature) {
				n.deliveries[node] = append(n.deliveries[node], cacDelivery{
					payload:     payload,
					conflictSet: conflictSet,
				})
			},
			func(msg *wire.CACMessage) {
				// reparse so receivers do not share pointers with senders
				for to := range ids {
					if to != node {
						n.enqueue(to, msg)
					}
				}
				n.cacs[node].ReceiveMessage(msg)
			},
			testEntry(t))
		n.cacs = append(n.cacs, cac)
	}

	for i := range n.cacs {
		n.cacs[i].NewEpoch(n.states[i])
	}
	return n
}

func (n *cacNet) enqueue(to int, msg *wire.CACMessage) {
	reparsed, err := wire.ParseCACMessage(msg.Marshal())
	if err != nil {
		n.t.Fatalf("Error reparsing CAC message: %s", err)
	}
	n.queue = append(n.queue, cacFrame{to: to, msg: reparsed})
}

func (n *cacNet) drain() {
	if n.draining {
		return
	}
	n.draining = true
	defer func() { n.draining = false }()

	for len(n.queue) > 0 {
		f := n.queue[0]
		n.queue = n.queue[1:]
		n.cacs[f.to].ReceiveMessage(f.msg)
	}
}

func TestCACSingleProposerDelivers(t *testing.T) {
	n := newCACNet(t, "a", "b", "c")

	payload := appMessage(t, n.states[0], "the commit")
	n.cacs[0].Broadcast(payload)
	n.drain()

	suite := group.CipherSuite{}
	expectedRef := suite.MessageRef(payload)

	for node, deliveries := range n.deliveries {
		if len(deliveries) != 1 {
			t.Fatalf("Node %d should deliver exactly once, got %d", node, len(deliveries))
		}
		d := deliveries[0]
		if suite.MessageRef(d.payload) != expectedRef {
			t.Fatalf("Node %d delivered the wrong payload", node)
		}
		if len(d.conflictSet) != 1 || d.conflictSet[0] != expectedRef {
			t.Fatalf("Node %d conflict set should be the singleton, got %d entries",
				node, len(d.conflictSet))
		}
	}
}

func TestCACSequencesAreStrictPrefix(t *testing.T) {
	n := newCACNet(t, "a", "b", "c")

	n.cacs[0].Broadcast(appMessage(t, n.states[0], "commit"))
	n.drain()

	// each signer's sequences, as seen by node 1, form 0,1,2,…
	perSender := make(map[uint32][]uint32)
	for _, sig := range n.cacs[1].Signatures() {
		perSender[sig.Sender()] = append(perSender[sig.Sender()], sig.Sequence)
	}

	for sender, seqs := range perSender {
		present := make(map[uint32]bool)
		for _, seq := range seqs {
			if present[seq] {
				t.Fatalf("Sender %d repeated sequence %d", sender, seq)
			}
			present[seq] = true
		}
		for i := uint32(0); i < uint32(len(seqs)); i++ {
			if !present[i] {
				t.Fatalf("Sender %d has a gap at sequence %d: %v", sender, i, seqs)
			}
		}
	}
}

func TestCACDuplicateSignaturesIgnored(t *testing.T) {
	n := newCACNet(t, "a", "b", "c")

	n.cacs[0].Broadcast(appMessage(t, n.states[0], "commit"))

	// capture the first frame destined to node 1 and replay it afterwards
	var replay *wire.CACMessage
	for _, f := range n.queue {
		if f.to == 1 {
			replay = f.msg
			break
		}
	}
	if replay == nil {
		t.Fatal("Expected a queued frame for node 1")
	}

	n.drain()

	sigCount := len(n.cacs[1].Signatures())
	delivered := len(n.deliveries[1])

	n.cacs[1].ReceiveMessage(replay)
	n.drain()

	if len(n.cacs[1].Signatures()) != sigCount {
		t.Fatal("Replayed signatures should leave the signature set unchanged")
	}
	if len(n.deliveries[1]) != delivered {
		t.Fatal("Replayed messages should not deliver again")
	}
}

func TestCACConcurrentProposalsBuildConflictSet(t *testing.T) {
	n := newCACNet(t, "a", "b", "c")

	payloadA := appMessage(t, n.states[0], "commit A")
	payloadB := appMessage(t, n.states[1], "commit B")

	// both proposals enter the network before any frame is delivered
	n.cacs[0].Broadcast(payloadA)
	n.cacs[1].Broadcast(payloadB)
	n.drain()

	suite := group.CipherSuite{}
	refA, refB := suite.MessageRef(payloadA), suite.MessageRef(payloadB)

	for node, deliveries := range n.deliveries {
		if len(deliveries) == 0 {
			t.Fatalf("Node %d should have delivered", node)
		}
		first := deliveries[0]
		if len(first.conflictSet) != 2 {
			t.Fatalf("Node %d conflict set should have 2 entries, got %d",
				node, len(first.conflictSet))
		}
		seen := map[group.Ref]bool{}
		for _, ref := range first.conflictSet {
			seen[ref] = true
		}
		if !seen[refA] || !seen[refB] {
			t.Fatalf("Node %d conflict set should contain both proposals", node)
		}
	}

	// the conflict set is identical at every node
	for node := 1; node < len(n.deliveries); node++ {
		a := n.deliveries[0][0].conflictSet
		b := n.deliveries[node][0].conflictSet
		if len(a) != len(b) {
			t.Fatalf("Conflict sets differ between nodes 0 and %d", node)
		}
		for i := range a {
			if a[i] != b[i] {
				t.Fatalf("Conflict sets differ between nodes 0 and %d", node)
			}
		}
	}
}

func TestCACNewEpochClearsState(t *testing.T) {
	n := newCACNet(t, "a", "b", "c")

	n.cacs[0].Broadcast(appMessage(t, n.states[0], "commit"))
	n.drain()

	if !n.cacs[0].HasStarted() || len(n.cacs[0].Signatures()) == 0 {
		t.Fatal("The instance should have state before the epoch change")
	}

	for i := range n.cacs {
		n.cacs[i].NewEpoch(n.states[i])
	}

	for i, cac := range n.cacs {
		if cac.HasStarted() {
			t.Fatalf("Node %d should not have started after NewEpoch", i)
		}
		if len(cac.Signatures()) != 0 || len(cac.Messages()) != 0 {
			t.Fatalf("Node %d should have no signatures or messages after NewEpoch", i)
		}
	}
}

func TestCACBroadcastOnlyOnce(t *testing.T) {
	n := newCACNet(t, "a", "b", "c")

	n.cacs[0].Broadcast(appMessage(t, n.states[0], "first"))
	if !n.cacs[0].HasStarted() {
		t.Fatal("Broadcast should start the instance")
	}

	queued := len(n.queue)
	n.cacs[0].Broadcast(appMessage(t, n.states[0], "second"))
	if len(n.queue) != queued {
		t.Fatal("A second broadcast in the same epoch should be ignored")
	}
}
