package xappapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ranic/e2tc/internal/config"
	"ranic/e2tc/internal/e2node"
	"ranic/e2tc/internal/router"
	"ranic/e2tc/internal/subscription"
)

// fakeManager wraps a real subscription.Manager for Create/Modify/Delete/List
// and returns a canned outcome for ControlRequest, so the websocket plumbing
// is exercised against real subscription/Sink semantics without standing up
// a full Core and transport association. Ownership is enforced the way the
// core does it: only the creating xApp may modify or delete.
type fakeManager struct {
	subs          *subscription.Manager
	controlResult router.ControlOutcome
	controlErr    error
}

func (f *fakeManager) owned(xappID, subscriptionID string) (*subscription.Subscription, error) {
	sub, err := f.subs.Get(subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.XAppID != xappID {
		return nil, fmt.Errorf("subscription %s owned by another xapp", subscriptionID)
	}
	return sub, nil
}

func (f *fakeManager) Create(_ context.Context, xappID, nodeID string, functionID int, trigger subscription.EventTrigger, actions []subscription.Action) (*subscription.Subscription, error) {
	sub, err := f.subs.Create(xappID, nodeID, functionID, trigger, actions)
	if err != nil {
		return nil, err
	}
	if err := f.subs.Activate(sub.ID); err != nil {
		return nil, err
	}
	return sub, nil
}

func (f *fakeManager) Modify(_ context.Context, xappID, subscriptionID string, trigger subscription.EventTrigger, actions []subscription.Action) error {
	if _, err := f.owned(xappID, subscriptionID); err != nil {
		return err
	}
	if err := f.subs.Modify(subscriptionID, trigger, actions); err != nil {
		return err
	}
	return f.subs.CompleteModify(subscriptionID)
}

func (f *fakeManager) Delete(_ context.Context, xappID, subscriptionID string) error {
	if _, err := f.owned(xappID, subscriptionID); err != nil {
		return err
	}
	return f.subs.Finalize(subscriptionID)
}

func (f *fakeManager) List(nodeID string) []*subscription.Subscription {
	return f.subs.List(nodeID)
}

func (f *fakeManager) ControlRequest(_ context.Context, _ string, _ int, _, _ []byte, _ bool, _ time.Duration) (router.ControlOutcome, error) {
	return f.controlResult, f.controlErr
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeManager) {
	t.Helper()
	cfg := config.Config{
		SinkCapacity:   4,
		SinkPolicy:     config.SinkPolicyDropOldest,
		TSinkWait:      10 * time.Millisecond,
		MaxSubsPerNode: 4,
	}
	nodes := e2node.NewTable()
	nodes.Upsert("node-1", time.Now())

	mgr := &fakeManager{subs: subscription.NewManager(cfg, nodes)}
	srv := NewServer(mgr, nil, nil, nil)
	ts := httptest.NewServer(srv.Mux())
	t.Cleanup(ts.Close)
	return ts, mgr
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/xapp/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame inboundFrame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) outboundFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame outboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return frame
}

func createSubscription(t *testing.T, conn *websocket.Conn, requestID string) string {
	t.Helper()
	writeFrame(t, conn, inboundFrame{Type: "create", ID: requestID, NodeID: "node-1", FunctionID: 1,
		Trigger: []byte("periodic:1000ms"),
		Actions: []actionFrame{{ID: 0, Type: "report", Payload: []byte("measurements")}}})
	created := readFrame(t, conn)
	if created.Type != "created" || created.SubscriptionID == "" {
		t.Fatalf("expected created frame with subscription id, got %+v", created)
	}
	return created.SubscriptionID
}

func TestCreateSubscriptionAndReceiveIndication(t *testing.T) {
	ts, mgr := newTestServer(t)
	conn := dialWS(t, ts)

	subID := createSubscription(t, conn, "req-1")
	sub, err := mgr.subs.Get(subID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	sub.Sink().Deliver(subscription.IndicationEnvelope{
		SubscriptionID: sub.ID,
		NodeID:         "node-1",
		Message:        []byte("report-1"),
	})

	ind := readFrame(t, conn)
	if ind.Type != "indication" || ind.SubscriptionID != sub.ID {
		t.Fatalf("expected indication frame for %s, got %+v", sub.ID, ind)
	}

	if err := mgr.subs.Finalize(sub.ID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	eof := readFrame(t, conn)
	if eof.Type != "eof" || eof.SubscriptionID != sub.ID {
		t.Fatalf("expected eof frame, got %+v", eof)
	}
}

func TestListScopedToOwnSubscriptions(t *testing.T) {
	ts, _ := newTestServer(t)
	connA := dialWS(t, ts)
	connB := dialWS(t, ts)

	subID := createSubscription(t, connA, "req-2")

	//1.- The owner sees its subscription; the other session sees nothing.
	writeFrame(t, connA, inboundFrame{Type: "list", ID: "req-3", NodeID: "node-1"})
	result := readFrame(t, connA)
	if result.Type != "list_result" || len(result.Subscriptions) != 1 || result.Subscriptions[0].ID != subID {
		t.Fatalf("expected owner to list its subscription, got %+v", result)
	}

	writeFrame(t, connB, inboundFrame{Type: "list", ID: "req-4", NodeID: "node-1"})
	other := readFrame(t, connB)
	if other.Type != "list_result" || len(other.Subscriptions) != 0 {
		t.Fatalf("expected foreign session to list nothing, got %+v", other)
	}
}

func TestDeleteByForeignSessionRejected(t *testing.T) {
	ts, mgr := newTestServer(t)
	connA := dialWS(t, ts)
	connB := dialWS(t, ts)

	subID := createSubscription(t, connA, "req-5")

	writeFrame(t, connB, inboundFrame{Type: "delete", ID: "req-6", SubscriptionID: subID})
	rejected := readFrame(t, connB)
	if rejected.Type != "error" || rejected.ID != "req-6" {
		t.Fatalf("expected error frame for foreign delete, got %+v", rejected)
	}
	if _, err := mgr.subs.Get(subID); err != nil {
		t.Fatalf("expected subscription to survive the foreign delete: %v", err)
	}

	writeFrame(t, connA, inboundFrame{Type: "delete", ID: "req-7", SubscriptionID: subID})
	deleted := readFrame(t, connA)
	if deleted.Type != "deleted" || deleted.SubscriptionID != subID {
		t.Fatalf("expected owner delete to succeed, got %+v", deleted)
	}
}

func TestControlRequestReturnsOutcome(t *testing.T) {
	ts, mgr := newTestServer(t)
	mgr.controlResult = router.ControlOutcome{Success: true, Payload: []byte("ack")}
	conn := dialWS(t, ts)

	writeFrame(t, conn, inboundFrame{Type: "control", ID: "req-8", NodeID: "node-1", FunctionID: 1,
		Header: []byte("hdr"), Message: []byte("msg"), Ack: true, DeadlineMs: 100})

	result := readFrame(t, conn)
	if result.Type != "control_result" || !result.Success {
		t.Fatalf("expected successful control_result, got %+v", result)
	}
}

func TestUnknownFrameTypeReturnsError(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts)

	writeFrame(t, conn, inboundFrame{Type: "bogus", ID: "req-9"})

	result := readFrame(t, conn)
	if result.Type != "error" || result.ID != "req-9" {
		t.Fatalf("expected error frame, got %+v", result)
	}
}
