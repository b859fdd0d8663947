package client_test

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
)

func newTestClient(t *testing.T) (*client.Client, *bytes.Buffer) {
	hub := net.NewInmemHub()
	trans := hub.NewTransport("alice")

	// no PKI is running: commands that reach it must fail gracefully
	cl, err := client.NewClient("alice", trans, pki.NewClient("127.0.0.1:1"),
		20*time.Millisecond, common.NewTestEntry(t, logrus.ErrorLevel))
	if err != nil {
		t.Fatalf("Error creating client: %s", err)
	}

	out := new(bytes.Buffer)
	cl.SetOutput(out)
	return cl, out
}

func TestHandleCommandArguments(t *testing.T) {
	cl, out := newTestClient(t)

	if !cl.HandleCommand("add") {
		t.Fatal("A bad command should not stop the client")
	}
	if !strings.Contains(out.String(), "missing argument") {
		t.Fatalf("Expected a missing-argument error, got:\n%s", out.String())
	}

	out.Reset()
	if !cl.HandleCommand("frobnicate") {
		t.Fatal("An unknown command should not stop the client")
	}
	if !strings.Contains(out.String(), "Invalid command") {
		t.Fatalf("Expected an invalid-command error, got:\n%s", out.String())
	}

	if cl.HandleCommand("stop") {
		t.Fatal("stop should stop the client")
	}
}

func TestCommandsBeforeGroupAreIgnored(t *testing.T) {
	cl, _ := newTestClient(t)

	// no group yet: these are silently ignored
	cl.HandleCommand("update")
	cl.HandleCommand("message hello")
	cl.Commit()

	if cl.State() != nil {
		t.Fatal("No state should exist before create")
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	cl, _ := newTestClient(t)

	cl.HandleCommand("create")
	if cl.State() == nil {
		t.Fatal("create should install a group state")
	}
	if cl.State().Epoch() != 0 {
		t.Fatalf("A fresh group starts at epoch 0, got %d", cl.State().Epoch())
	}

	first := cl.State()
	cl.HandleCommand("create")
	if cl.State() != first {
		t.Fatal("A second create should be a no-op")
	}
}

func TestAddUnknownIdentity(t *testing.T) {
	cl, out := newTestClient(t)

	cl.HandleCommand("create")
	cl.HandleCommand("add nobody")

	if !strings.Contains(out.String(), "User not found: nobody") {
		t.Fatalf("Expected a user-not-found report, got:\n%s", out.String())
	}
}
