package e2node

import (
	"testing"
	"time"
)

func TestMarkConnectedReplacesFunctionsAndResetsMisses(t *testing.T) {
	now := time.Now()
	n := New("node-1", now)
	n.MissHeartbeat(3)
	n.MissHeartbeat(3)

	n.MarkConnected([]RANFunction{{ID: 1, Revision: 1, OID: "1.3.6.1.4.1.53148.1.1.2.2"}}, now.Add(time.Second))

	if n.State() != StateConnected {
		t.Fatalf("expected connected, got %s", n.State())
	}
	if _, ok := n.Function(1); !ok {
		t.Fatal("expected function 1 to be registered")
	}
	if n.MissHeartbeat(2) {
		t.Fatal("MarkConnected should have reset the miss counter, so one miss should not cross threshold 2")
	}
}

func TestMissHeartbeatCrossesThreshold(t *testing.T) {
	n := New("node-1", time.Now())
	n.MarkConnected(nil, time.Now())

	if n.MissHeartbeat(3) {
		t.Fatal("first miss should not mark dead with threshold 3")
	}
	if n.MissHeartbeat(3) {
		t.Fatal("second miss should not mark dead with threshold 3")
	}
	if !n.MissHeartbeat(3) {
		t.Fatal("third consecutive miss should mark dead")
	}
	if n.State() != StateDead {
		t.Fatalf("expected dead, got %s", n.State())
	}
}

func TestHeartbeatResetsMissCounter(t *testing.T) {
	n := New("node-1", time.Now())
	n.MissHeartbeat(3)
	n.MissHeartbeat(3)
	n.Heartbeat(time.Now())
	if n.MissHeartbeat(3) {
		t.Fatal("a single miss after a fresh heartbeat should not cross threshold 3 without the pre-reset misses")
	}
}

func TestIdleSince(t *testing.T) {
	start := time.Now()
	n := New("node-1", start)

	if n.IdleSince(start.Add(5*time.Second), 10*time.Second) {
		t.Fatal("node should not be idle before the interval elapses")
	}
	if !n.IdleSince(start.Add(10*time.Second), 10*time.Second) {
		t.Fatal("node should be idle once the interval has fully elapsed")
	}

	n.Heartbeat(start.Add(12 * time.Second))
	if n.IdleSince(start.Add(15*time.Second), 10*time.Second) {
		t.Fatal("a fresh heartbeat should reset idleness")
	}
}

func TestSubscriptionCountNeverGoesNegative(t *testing.T) {
	n := New("node-1", time.Now())
	n.AdjustSubscriptionCount(1)
	n.AdjustSubscriptionCount(-5)
	if got := n.SubscriptionCount(); got != 0 {
		t.Fatalf("expected count clamped to 0, got %d", got)
	}
}

func TestTableUpsertIsIdempotent(t *testing.T) {
	table := NewTable()
	now := time.Now()
	first := table.Upsert("node-1", now)
	second := table.Upsert("node-1", now.Add(time.Minute))
	if first != second {
		t.Fatal("expected Upsert to return the existing node on a repeat call")
	}
	if len(table.All()) != 1 {
		t.Fatalf("expected one node in the table, got %d", len(table.All()))
	}

	table.Remove("node-1")
	if _, ok := table.Get("node-1"); ok {
		t.Fatal("expected node to be gone after Remove")
	}
}

func TestNilNodeIsSafe(t *testing.T) {
	var n *Node
	if n.ID() != "" {
		t.Fatal("expected empty id for nil node")
	}
	if n.State() != StateDead {
		t.Fatal("expected dead state for nil node")
	}
	if !n.IdleSince(time.Now(), time.Second) {
		t.Fatal("expected nil node to report idle")
	}
	if n.SubscriptionCount() != 0 {
		t.Fatal("expected zero subscription count for nil node")
	}
}
