// Package subscription implements the Subscription Manager: the
// Create/Modify/Delete/List lifecycle for RIC Subscriptions against a RAN
// function on a node, and the bounded Sink each subscription delivers its
// indications through.
package subscription

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"ranic/e2tc/internal/config"
	"ranic/e2tc/internal/e2node"
	"ranic/e2tc/internal/metrics"
)

// State is the subscription lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateModifying State = "modifying"
	StateDeleting  State = "deleting"
	StateDead      State = "dead"
)

// ErrNodeCapacity is returned when a node has reached max_subs_per_node.
var ErrNodeCapacity = errors.New("subscription: node subscription capacity reached")

// ErrNotFound is returned when an operation targets an unknown subscription.
var ErrNotFound = errors.New("subscription: not found")

// ErrWrongState is returned when an operation is invalid for the
// subscription's current lifecycle state.
var ErrWrongState = errors.New("subscription: invalid state transition")

// EventTrigger and Action carry opaque service-model-defined payloads; the
// manager only moves them around, it never interprets their contents (that
// is the Service-Model Registry's job).
type EventTrigger struct {
	Payload []byte
}

type Action struct {
	ID      int
	Type    string
	Payload []byte
}

// Subscription is one RIC Subscription: a directed relation between the
// xApp that requested it, an E2 Node, and a RAN function on that node. The
// xApp id is the ownership key: only the creating xApp may modify or delete
// the subscription.
type Subscription struct {
	mu sync.RWMutex

	ID           string
	RICRequestID uint32
	XAppID       string
	NodeID       string
	FunctionID   int
	EventTrigger EventTrigger
	Actions      []Action
	admitted     []Action
	state        State
	withdrawn    bool
	createdAt    time.Time
	sink         *Sink
}

// State returns the subscription's current lifecycle state.
func (s *Subscription) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Withdrawn reports whether the subscription died because the node withdrew
// the RAN function it was registered against, so the IPC layer can tell the
// xApp before the sink's EOF.
func (s *Subscription) Withdrawn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.withdrawn
}

// AdmittedActions returns the subset of requested actions the node
// admitted, in the requested order.
func (s *Subscription) AdmittedActions() []Action {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Action, len(s.admitted))
	copy(out, s.admitted)
	return out
}

// Sink returns the subscription's indication delivery sink.
func (s *Subscription) Sink() *Sink { return s.sink }

func (s *Subscription) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Manager owns the full subscription lifecycle, tracking subscriptions per
// node and enforcing max_subs_per_node.
type Manager struct {
	cfg   config.Config
	nodes *e2node.Table

	mu     sync.RWMutex
	byID   map[string]*Subscription
	byNode map[string]map[string]*Subscription
	byRIC  map[string]map[uint32]*Subscription

	idSeq uint64
}

// NewManager constructs a Manager bound to the node table and configuration
// that govern capacity and sink sizing.
func NewManager(cfg config.Config, nodes *e2node.Table) *Manager {
	return &Manager{
		cfg:    cfg,
		nodes:  nodes,
		byID:   make(map[string]*Subscription),
		byNode: make(map[string]map[string]*Subscription),
		byRIC:  make(map[string]map[uint32]*Subscription),
	}
}

// Create admits a new subscription owned by xappID against nodeID,
// rejecting it if the node is unknown or already at max_subs_per_node. The
// returned Subscription starts in StatePending; the caller (Core)
// transitions it to StateActive once the E2 Node acknowledges.
func (m *Manager) Create(xappID, nodeID string, functionID int, trigger EventTrigger, actions []Action) (*Subscription, error) {
	node, ok := m.nodes.Get(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: node %s", ErrNotFound, nodeID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := node.SubscriptionCount()
	if m.cfg.MaxSubsPerNode > 0 && current >= m.cfg.MaxSubsPerNode {
		return nil, fmt.Errorf("%w: node %s at %d", ErrNodeCapacity, nodeID, current)
	}
	node.AdjustSubscriptionCount(1)

	m.idSeq++
	sub := &Subscription{
		ID:           fmt.Sprintf("sub-%d", m.idSeq),
		RICRequestID: uint32(m.idSeq),
		XAppID:       xappID,
		NodeID:       nodeID,
		FunctionID:   functionID,
		EventTrigger: trigger,
		Actions:      actions,
		state:        StatePending,
		createdAt:    time.Now(),
		sink:         NewSink(m.cfg.SinkCapacity, m.cfg.SinkPolicy, m.cfg.TSinkWait),
	}
	//1.- All three indices mutate under the same lock so a reader can never
	// observe a subscription present in one and absent from another.
	m.byID[sub.ID] = sub
	if m.byNode[nodeID] == nil {
		m.byNode[nodeID] = make(map[string]*Subscription)
	}
	m.byNode[nodeID][sub.ID] = sub
	if m.byRIC[nodeID] == nil {
		m.byRIC[nodeID] = make(map[uint32]*Subscription)
	}
	m.byRIC[nodeID][sub.RICRequestID] = sub
	m.publishStateMetricsLocked()
	return sub, nil
}

// Activate transitions a pending or modifying subscription to Active once
// the E2 Node has acknowledged it.
func (m *Manager) Activate(id string) error {
	sub, err := m.get(id)
	if err != nil {
		return err
	}
	sub.setState(StateActive)
	m.withLock(m.publishStateMetricsLocked)
	return nil
}

// RecordAdmitted stores the admitted action set the node acknowledged:
// the requested actions whose ids appear in admittedIDs, kept in the
// requested order regardless of the order the wire carried them.
func (m *Manager) RecordAdmitted(id string, admittedIDs []int) error {
	sub, err := m.get(id)
	if err != nil {
		return err
	}
	wanted := make(map[int]bool, len(admittedIDs))
	for _, actionID := range admittedIDs {
		wanted[actionID] = true
	}
	sub.mu.Lock()
	sub.admitted = sub.admitted[:0]
	for _, action := range sub.Actions {
		if wanted[action.ID] {
			sub.admitted = append(sub.admitted, action)
		}
	}
	sub.mu.Unlock()
	return nil
}

// Modify transitions an active subscription into Modifying while the
// request is in flight. The caller settles it with CompleteModify on
// acknowledgement or RollbackModify on failure.
func (m *Manager) Modify(id string, trigger EventTrigger, actions []Action) error {
	sub, err := m.get(id)
	if err != nil {
		return err
	}
	sub.mu.Lock()
	if sub.state != StateActive {
		sub.mu.Unlock()
		return fmt.Errorf("%w: subscription %s in state %s", ErrWrongState, id, sub.state)
	}
	sub.state = StateModifying
	sub.EventTrigger = trigger
	sub.Actions = actions
	sub.mu.Unlock()
	m.withLock(m.publishStateMetricsLocked)
	return nil
}

// CompleteModify transitions a modifying subscription back to Active.
func (m *Manager) CompleteModify(id string) error {
	sub, err := m.get(id)
	if err != nil {
		return err
	}
	sub.setState(StateActive)
	m.withLock(m.publishStateMetricsLocked)
	return nil
}

// RollbackModify restores a subscription's prior trigger/actions and returns
// it to Active, used when a Modify's wire round trip fails after the
// in-memory state was already updated optimistically; the prior admitted set
// must still be the one in effect once a modify attempt fails.
func (m *Manager) RollbackModify(id string, trigger EventTrigger, actions []Action) error {
	sub, err := m.get(id)
	if err != nil {
		return err
	}
	sub.mu.Lock()
	sub.EventTrigger = trigger
	sub.Actions = actions
	sub.state = StateActive
	sub.mu.Unlock()
	m.withLock(m.publishStateMetricsLocked)
	return nil
}

// Delete begins removing a subscription: it moves to Deleting immediately
// so no further indications are dispatched, and Finalize completes the
// teardown once the E2 Node acknowledges (or T_del expires).
func (m *Manager) Delete(id string) error {
	sub, err := m.get(id)
	if err != nil {
		return err
	}
	sub.setState(StateDeleting)
	return nil
}

// Finalize removes the subscription from the manager and releases its node
// capacity slot, closing its sink so any blocked IPC consumer unblocks.
func (m *Manager) Finalize(id string) error {
	m.mu.Lock()
	sub, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.byID, id)
	if byNode := m.byNode[sub.NodeID]; byNode != nil {
		delete(byNode, id)
		if len(byNode) == 0 {
			delete(m.byNode, sub.NodeID)
		}
	}
	if byRIC := m.byRIC[sub.NodeID]; byRIC != nil {
		delete(byRIC, sub.RICRequestID)
		if len(byRIC) == 0 {
			delete(m.byRIC, sub.NodeID)
		}
	}
	m.publishStateMetricsLocked()
	m.mu.Unlock()

	sub.setState(StateDead)
	if node, ok := m.nodes.Get(sub.NodeID); ok {
		node.AdjustSubscriptionCount(-1)
	}
	sub.sink.Close()
	return nil
}

// Get returns the subscription by id.
func (m *Manager) Get(id string) (*Subscription, error) { return m.get(id) }

// GetByRIC returns the subscription a node's ric-request-id correlates to,
// the O(1) per-node lookup the Router uses on every inbound indication.
func (m *Manager) GetByRIC(nodeID string, ricRequestID uint32) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.byRIC[nodeID][ricRequestID]
	if !ok {
		return nil, fmt.Errorf("%w: node %s ric-request-id %d", ErrNotFound, nodeID, ricRequestID)
	}
	return sub, nil
}

func (m *Manager) get(id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sub, nil
}

// List returns every subscription tracked against nodeID, in any state.
func (m *Manager) List(nodeID string) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byNode := m.byNode[nodeID]
	out := make([]*Subscription, 0, len(byNode))
	for _, sub := range byNode {
		out = append(out, sub)
	}
	return out
}

// OnNodeLost tears down every subscription held against a node whose
// association just died, closing each sink so IPC consumers observe EOF.
func (m *Manager) OnNodeLost(nodeID string) {
	m.mu.Lock()
	byNode := m.byNode[nodeID]
	delete(m.byNode, nodeID)
	delete(m.byRIC, nodeID)
	subs := make([]*Subscription, 0, len(byNode))
	for id, sub := range byNode {
		delete(m.byID, id)
		subs = append(subs, sub)
	}
	m.publishStateMetricsLocked()
	m.mu.Unlock()

	for _, sub := range subs {
		sub.setState(StateDead)
		if node, ok := m.nodes.Get(nodeID); ok {
			node.AdjustSubscriptionCount(-1)
		}
		sub.sink.Close()
	}
}

// OnFunctionWithdrawn tears down every subscription on (nodeID, functionID)
// after a service update removed the function, flagging each so the IPC
// layer reports the withdrawal ahead of the sink's EOF.
func (m *Manager) OnFunctionWithdrawn(nodeID string, functionID int) {
	m.mu.Lock()
	var subs []*Subscription
	for id, sub := range m.byNode[nodeID] {
		if sub.FunctionID != functionID {
			continue
		}
		delete(m.byID, id)
		delete(m.byNode[nodeID], id)
		if byRIC := m.byRIC[nodeID]; byRIC != nil {
			delete(byRIC, sub.RICRequestID)
		}
		subs = append(subs, sub)
	}
	if len(m.byNode[nodeID]) == 0 {
		delete(m.byNode, nodeID)
	}
	if len(m.byRIC[nodeID]) == 0 {
		delete(m.byRIC, nodeID)
	}
	m.publishStateMetricsLocked()
	m.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		sub.state = StateDead
		sub.withdrawn = true
		sub.mu.Unlock()
		if node, ok := m.nodes.Get(nodeID); ok {
			node.AdjustSubscriptionCount(-1)
		}
		sub.sink.Close()
	}
}

func (m *Manager) withLock(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

func (m *Manager) publishStateMetricsLocked() {
	counts := map[State]int{}
	for _, sub := range m.byID {
		counts[sub.State()]++
	}
	for _, state := range []State{StatePending, StateActive, StateModifying, StateDeleting, StateDead} {
		metrics.SetSubscriptions(string(state), counts[state])
	}
}
