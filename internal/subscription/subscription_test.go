package subscription

import (
	"errors"
	"testing"
	"time"

	"ranic/e2tc/internal/config"
	"ranic/e2tc/internal/e2node"
)

func testConfig() config.Config {
	return config.Config{
		SinkCapacity:   4,
		SinkPolicy:     config.SinkPolicyDropOldest,
		TSinkWait:      10 * time.Millisecond,
		MaxSubsPerNode: 2,
	}
}

func TestCreateEnforcesNodeCapacity(t *testing.T) {
	nodes := e2node.NewTable()
	nodes.Upsert("node-1", time.Now())
	mgr := NewManager(testConfig(), nodes)

	if _, err := mgr.Create("xapp-a", "node-1", 1, EventTrigger{}, nil); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := mgr.Create("xapp-a", "node-1", 1, EventTrigger{}, nil); err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if _, err := mgr.Create("xapp-a", "node-1", 1, EventTrigger{}, nil); !errors.Is(err, ErrNodeCapacity) {
		t.Fatalf("expected ErrNodeCapacity, got %v", err)
	}
}

func TestCreateUnknownNode(t *testing.T) {
	mgr := NewManager(testConfig(), e2node.NewTable())
	if _, err := mgr.Create("xapp-a", "missing", 1, EventTrigger{}, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	nodes := e2node.NewTable()
	nodes.Upsert("node-1", time.Now())
	mgr := NewManager(testConfig(), nodes)

	sub, err := mgr.Create("xapp-a", "node-1", 1, EventTrigger{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sub.State() != StatePending {
		t.Fatalf("expected pending, got %s", sub.State())
	}
	if err := mgr.Activate(sub.ID); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if sub.State() != StateActive {
		t.Fatalf("expected active, got %s", sub.State())
	}
	if err := mgr.Modify(sub.ID, EventTrigger{Payload: []byte("x")}, nil); err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if sub.State() != StateModifying {
		t.Fatalf("expected modifying, got %s", sub.State())
	}
	if err := mgr.CompleteModify(sub.ID); err != nil {
		t.Fatalf("CompleteModify: %v", err)
	}
	if err := mgr.Delete(sub.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if sub.State() != StateDeleting {
		t.Fatalf("expected deleting, got %s", sub.State())
	}
	if err := mgr.Finalize(sub.ID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if sub.State() != StateDead {
		t.Fatalf("expected dead, got %s", sub.State())
	}
	if nodes.All()[0].SubscriptionCount() != 0 {
		t.Fatalf("expected subscription count to return to zero after finalize")
	}
}

func TestOnNodeLostTearsDownSubscriptions(t *testing.T) {
	nodes := e2node.NewTable()
	nodes.Upsert("node-1", time.Now())
	mgr := NewManager(testConfig(), nodes)

	sub, err := mgr.Create("xapp-a", "node-1", 1, EventTrigger{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	mgr.OnNodeLost("node-1")
	if sub.State() != StateDead {
		t.Fatalf("expected dead after node loss, got %s", sub.State())
	}
	if _, ok := <-sub.Sink().Next(); ok {
		t.Fatal("expected sink channel to be closed")
	}
	if _, err := mgr.Get(sub.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected subscription removed from manager, got %v", err)
	}
}

func TestGetByRICCorrelatesPerNode(t *testing.T) {
	nodes := e2node.NewTable()
	nodes.Upsert("node-1", time.Now())
	mgr := NewManager(testConfig(), nodes)

	sub, err := mgr.Create("xapp-a", "node-1", 1, EventTrigger{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sub.RICRequestID == 0 {
		t.Fatal("expected a nonzero ric-request-id to be allocated")
	}
	got, err := mgr.GetByRIC("node-1", sub.RICRequestID)
	if err != nil {
		t.Fatalf("GetByRIC: %v", err)
	}
	if got != sub {
		t.Fatal("expected GetByRIC to return the created subscription")
	}
	if _, err := mgr.GetByRIC("node-2", sub.RICRequestID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for wrong node, got %v", err)
	}

	if err := mgr.Finalize(sub.ID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if _, err := mgr.GetByRIC("node-1", sub.RICRequestID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ric index cleared after finalize, got %v", err)
	}
}

func TestRecordAdmittedKeepsRequestedOrder(t *testing.T) {
	nodes := e2node.NewTable()
	nodes.Upsert("node-1", time.Now())
	mgr := NewManager(testConfig(), nodes)

	actions := []Action{
		{ID: 0, Type: "report", Payload: []byte("a")},
		{ID: 1, Type: "report", Payload: []byte("b")},
		{ID: 2, Type: "policy", Payload: []byte("c")},
	}
	sub, err := mgr.Create("xapp-a", "node-1", 1, EventTrigger{}, actions)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	//1.- The wire order is informational; the requested order is recorded.
	if err := mgr.RecordAdmitted(sub.ID, []int{2, 0}); err != nil {
		t.Fatalf("RecordAdmitted: %v", err)
	}
	admitted := sub.AdmittedActions()
	if len(admitted) != 2 || admitted[0].ID != 0 || admitted[1].ID != 2 {
		t.Fatalf("expected admitted actions [0 2] in requested order, got %+v", admitted)
	}
}

func TestOnFunctionWithdrawnTearsDownMatchingSubscriptions(t *testing.T) {
	nodes := e2node.NewTable()
	node := nodes.Upsert("node-1", time.Now())
	mgr := NewManager(testConfig(), nodes)

	withdrawn, err := mgr.Create("xapp-a", "node-1", 1, EventTrigger{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	kept, err := mgr.Create("xapp-a", "node-1", 2, EventTrigger{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	mgr.OnFunctionWithdrawn("node-1", 1)

	if withdrawn.State() != StateDead || !withdrawn.Withdrawn() {
		t.Fatalf("expected dead+withdrawn, got state=%s withdrawn=%t", withdrawn.State(), withdrawn.Withdrawn())
	}
	if _, ok := <-withdrawn.Sink().Next(); ok {
		t.Fatal("expected withdrawn subscription's sink to be closed")
	}
	if kept.State() == StateDead {
		t.Fatal("expected subscription on the surviving function to remain")
	}
	if node.SubscriptionCount() != 1 {
		t.Fatalf("expected the node capacity slot released, count=%d", node.SubscriptionCount())
	}
}

func TestSinkDropOldestEvictsEarliestEnvelope(t *testing.T) {
	sink := NewSink(2, config.SinkPolicyDropOldest, time.Millisecond)
	sink.Deliver(IndicationEnvelope{SubscriptionID: "a"})
	sink.Deliver(IndicationEnvelope{SubscriptionID: "b"})
	sink.Deliver(IndicationEnvelope{SubscriptionID: "c"})

	first := <-sink.Next()
	if first.SubscriptionID != "b" {
		t.Fatalf("expected oldest entry evicted, got first=%s", first.SubscriptionID)
	}
	second := <-sink.Next()
	if second.SubscriptionID != "c" {
		t.Fatalf("expected c second, got %s", second.SubscriptionID)
	}
	if sink.Lagged() != 1 {
		t.Fatalf("expected 1 lagged envelope, got %d", sink.Lagged())
	}
}

func TestSinkDropNewestRejectsWhenFull(t *testing.T) {
	sink := NewSink(1, config.SinkPolicyDropNewest, time.Millisecond)
	if !sink.Deliver(IndicationEnvelope{SubscriptionID: "a"}) {
		t.Fatal("expected first delivery to succeed")
	}
	if sink.Deliver(IndicationEnvelope{SubscriptionID: "b"}) {
		t.Fatal("expected second delivery to be dropped")
	}
	first := <-sink.Next()
	if first.SubscriptionID != "a" {
		t.Fatalf("expected original envelope retained, got %s", first.SubscriptionID)
	}
}

func TestSinkBlockDegradesAfterWait(t *testing.T) {
	sink := NewSink(1, config.SinkPolicyBlock, 5*time.Millisecond)
	sink.Deliver(IndicationEnvelope{SubscriptionID: "a"})
	start := time.Now()
	if sink.Deliver(IndicationEnvelope{SubscriptionID: "b"}) {
		t.Fatal("expected second delivery to time out and be dropped")
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Fatal("expected block policy to wait before dropping")
	}
}

func TestSinkDeliverAfterCloseReturnsFalse(t *testing.T) {
	sink := NewSink(1, config.SinkPolicyDropOldest, time.Millisecond)
	sink.Close()
	if sink.Deliver(IndicationEnvelope{}) {
		t.Fatal("expected delivery to a closed sink to fail")
	}
}
