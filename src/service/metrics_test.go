package service

import (
	"math"
	"testing"
	"time"

	"github.com/HiveNetCode/distributed-mls/src/net"
)

func TestMetricsSnapshot(t *testing.T) {
	metrics := NewMetrics()

	metrics.RecordIn(100)
	metrics.RecordOut(200)
	metrics.RecordIn(300)

	in, out, mean, stddev := metrics.Snapshot()
	if in != 2 || out != 1 {
		t.Fatalf("Counts should be in=2 out=1, got in=%d out=%d", in, out)
	}
	if mean != 200 {
		t.Fatalf("Mean should be 200, got %f", mean)
	}
	if math.Abs(stddev-100) > 1e-9 {
		t.Fatalf("StdDev should be 100, got %f", stddev)
	}
}

func TestCountingTransport(t *testing.T) {
	hub := net.NewInmemHub()
	a := hub.NewTransport("a")
	b := hub.NewTransport("b")

	var deliveredToB int
	b.SetHandler(func([]byte) { deliveredToB++ })

	metrics := NewMetrics()
	counting := NewCountingTransport(a, metrics)

	if err := counting.Connect("b"); err != nil {
		t.Fatalf("Error connecting: %s", err)
	}

	counting.Broadcast(make([]byte, 10))
	counting.Send("b", make([]byte, 20))
	counting.BroadcastSample([]string{"b"}, make([]byte, 30))
	hub.Deliver()

	_, out, mean, _ := metrics.Snapshot()
	if out != 3 {
		t.Fatalf("Three outbound frames should be recorded, got %d", out)
	}
	if mean != 20 {
		t.Fatalf("Mean frame size should be 20, got %f", mean)
	}
	if deliveredToB != 3 {
		t.Fatalf("All frames should reach b, got %d", deliveredToB)
	}

	// the decorator passes timers straight through
	fired := false
	id := counting.RegisterTimeout(time.Millisecond, func() { fired = true })
	counting.UnregisterTimeout(id)
	hub.Advance(10 * time.Millisecond)
	if fired {
		t.Fatal("An unregistered timeout must not fire")
	}
}
