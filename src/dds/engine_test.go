package dds_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/HiveNetCode/distributed-mls/src/client"
	"github.com/HiveNetCode/distributed-mls/src/common"
	"github.com/HiveNetCode/distributed-mls/src/net"
	"github.com/HiveNetCode/distributed-mls/src/pki"
	"github.com/HiveNetCode/distributed-mls/src/wire"
)

const testRTT = 20 * time.Millisecond

type e2eNode struct {
	id     string
	client *client.Client
	trans  *net.InmemTransport
	out    *bytes.Buffer
}

type e2eNet struct {
	hub   *net.InmemHub
	nodes map[string]*e2eNode
}

func startPKI(t *testing.T) *pki.Client {
	server := pki.NewServer(common.NewTestEntry(t, logrus.ErrorLevel))
	go server.Serve("127.0.0.1:0")
	for i := 0; i < 100 && server.Addr() == nil; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	if server.Addr() == nil {
		t.Fatal("PKI server did not start")
	}
	t.Cleanup(func() { server.Close() })

	return pki.NewClient(server.Addr().String())
}

func newE2ENet(t *testing.T, ids ...string) *e2eNet {
	pkiClient := startPKI(t)
	logger := common.NewTestLogger(t, logrus.ErrorLevel).WithField("prefix", "test")

	n := &e2eNet{
		hub:   net.NewInmemHub(),
		nodes: make(map[string]*e2eNode),
	}

	for _, id := range ids {
		node := &e2eNode{
			id:    id,
			trans: n.hub.NewTransport(id),
			out:   new(bytes.Buffer),
		}

		cl, err := client.NewClient(id, node.trans, pkiClient, testRTT, logger)
		if err != nil {
			t.Fatalf("Error creating client %s: %s", id, err)
		}
		cl.SetOutput(node.out)
		node.client = cl
		node.trans.SetHandler(cl.HandleFrame)

		if err := pkiClient.Publish(id, 1, [][]byte{cl.KeyPackage().Marshal()}); err != nil {
			t.Fatalf("Error publishing %s: %s", id, err)
		}

		n.nodes[id] = node
	}
	return n
}

func (n *e2eNet) node(id string) *e2eNode {
	return n.nodes[id]
}

// buildTwoMemberGroup runs the happy path: a creates, adds b, auto-commits.
func buildTwoMemberGroup(t *testing.T, n *e2eNet) {
	a := n.node("a")

	a.client.HandleCommand("create")
	a.client.HandleCommand("add b")
	n.hub.Deliver()

	// the auto-commit timer for an own proposal is one RTT
	n.hub.Advance(testRTT)

	if n.node("b").client.State() == nil {
		t.Fatal("b should have joined through the welcome")
	}
}

func TestHappyPathMessageDelivery(t *testing.T) {
	n := newE2ENet(t, "a", "b")
	buildTwoMemberGroup(t, n)

	n.node("a").client.HandleCommand("message hi")
	n.hub.Deliver()

	output := n.node("b").out.String()
	if strings.Count(output, "Message: hi") != 1 {
		t.Fatalf("b should print the message exactly once, got:\n%s", output)
	}
}

func TestSingleCommitAdvancesEpoch(t *testing.T) {
	n := newE2ENet(t, "a", "b")
	buildTwoMemberGroup(t, n)

	a, b := n.node("a"), n.node("b")
	if a.client.State().Epoch() != 1 || b.client.State().Epoch() != 1 {
		t.Fatalf("Both members should be at epoch 1, got a=%d b=%d",
			a.client.State().Epoch(), b.client.State().Epoch())
	}

	a.client.HandleCommand("update")
	n.hub.Deliver()
	n.hub.Advance(testRTT)

	if a.client.State().Epoch() != 2 || b.client.State().Epoch() != 2 {
		t.Fatalf("Both members should advance to epoch 2, got a=%d b=%d",
			a.client.State().Epoch(), b.client.State().Epoch())
	}

	// b's own 2-RTT commit timer was cancelled by the epoch change
	n.hub.Advance(4 * testRTT)
	if a.client.State().Epoch() != 2 || b.client.State().Epoch() != 2 {
		t.Fatal("No further commit should fire after the epoch advanced")
	}
}

func TestConcurrentCommitsAgree(t *testing.T) {
	n := newE2ENet(t, "a", "b", "c")

	a := n.node("a")
	a.client.HandleCommand("create")
	a.client.HandleCommand("add b,c")
	n.hub.Deliver()
	n.hub.Advance(testRTT)

	for _, id := range []string{"a", "b", "c"} {
		state := n.node(id).client.State()
		if state == nil || state.Epoch() != 1 {
			t.Fatalf("%s should be at epoch 1", id)
		}
	}

	// a and b commit concurrent updates; c is a bystander that falls
	// through to the second CAC instance on its timer
	a.client.HandleCommand("update")
	n.node("b").client.HandleCommand("update")
	n.hub.Deliver()

	a.client.Commit()
	n.node("b").client.Commit()
	n.hub.Deliver()
	n.hub.Advance(4 * testRTT)

	epochs := make(map[string]uint64)
	for _, id := range []string{"a", "b", "c"} {
		epochs[id] = n.node(id).client.State().Epoch()
	}
	if epochs["a"] != 2 || epochs["b"] != 2 || epochs["c"] != 2 {
		t.Fatalf("All members should reach epoch 2, got %v", epochs)
	}

	ac, err := a.client.State().Sign([]byte("agreement"))
	if err != nil {
		t.Fatalf("Error signing: %s", err)
	}
	for _, id := range []string{"b", "c"} {
		if !n.node(id).client.State().Verify(ac) {
			t.Fatalf("State of %s diverged", id)
		}
	}

	// the choice is deterministic: equal proposal counts tie-break on the
	// smallest sender leaf index, so a's commit wins everywhere
	if !strings.Contains(a.out.String(), "Local commit new epoch 2") {
		t.Fatalf("a should apply its own commit, got:\n%s", a.out.String())
	}
	for _, id := range []string{"b", "c"} {
		if !strings.Contains(n.node(id).out.String(), "Remote commit new epoch 2") {
			t.Fatalf("%s should apply a's commit, got:\n%s", id, n.node(id).out.String())
		}
	}
}

func TestEpochBuffering(t *testing.T) {
	n := newE2ENet(t, "a", "b")
	a, b := n.node("a"), n.node("b")

	a.client.HandleCommand("create")
	a.client.HandleCommand("add b")
	n.hub.Deliver()

	// commit directly: the welcome is now queued on the hub, but b has not
	// seen it yet
	a.client.Commit()

	// a message from epoch 1 reaches b before the welcome
	early, err := a.client.State().Protect([]byte("early"))
	if err != nil {
		t.Fatalf("Error protecting: %s", err)
	}
	frame := (&wire.DDSMessage{
		Type: wire.DDSGossip,
		Gossip: &wire.GossipMessage{
			Type:    wire.GossipGossip,
			Message: early,
		},
	}).Marshal()
	b.client.HandleFrame(frame)

	if strings.Contains(b.out.String(), "Message: early") {
		t.Fatal("The early message must be buffered, not delivered")
	}

	// the welcome arrives, installing epoch 1; the buffered message drains
	n.hub.Deliver()

	if b.client.State() == nil || b.client.State().Epoch() != 1 {
		t.Fatal("b should have joined at epoch 1")
	}
	if strings.Count(b.out.String(), "Message: early") != 1 {
		t.Fatalf("The buffered message should deliver exactly once, got:\n%s", b.out.String())
	}
}

func TestPastEpochDropped(t *testing.T) {
	n := newE2ENet(t, "a", "b")
	buildTwoMemberGroup(t, n)

	a, b := n.node("a"), n.node("b")

	msg, err := b.client.State().Protect([]byte("from-the-past"))
	if err != nil {
		t.Fatalf("Error protecting: %s", err)
	}
	msg.Epoch = 0 // forge a stale epoch; the signature no longer matters

	frame := (&wire.DDSMessage{
		Type:   wire.DDSGossip,
		Gossip: &wire.GossipMessage{Type: wire.GossipGossip, Message: msg},
	}).Marshal()
	a.client.HandleFrame(frame)
	n.hub.Deliver()

	if strings.Contains(a.out.String(), "from-the-past") {
		t.Fatal("A past-epoch message must be dropped")
	}
}
