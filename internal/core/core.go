// Package core wires the Codec, Transport, Service-Model Registry,
// Transaction Table, Subscription Manager, and Router into the running
// termination process: it performs the E2 Setup handshake on new
// associations, owns the per-node heartbeat and global deadline-sweep
// tickers, and exposes the Create/Modify/Delete/List/ControlRequest surface
// the xApp API package embeds directly.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ranic/e2tc/internal/codec"
	"ranic/e2tc/internal/config"
	"ranic/e2tc/internal/e2err"
	"ranic/e2tc/internal/e2node"
	"ranic/e2tc/internal/logging"
	"ranic/e2tc/internal/metrics"
	"ranic/e2tc/internal/router"
	"ranic/e2tc/internal/servicemodel"
	"ranic/e2tc/internal/subscription"
	"ranic/e2tc/internal/transport"
	"ranic/e2tc/internal/txn"
)

// ErrNodeUnreachable is returned when an operation targets a node with no
// live association.
var ErrNodeUnreachable = errors.New("core: node has no live association")

// ErrNotOwner is returned when an xApp targets a subscription another xApp
// created.
var ErrNotOwner = errors.New("core: subscription owned by another xapp")

// setupTimeout bounds how long the core waits for the E2 Setup Request on a
// freshly accepted association before giving up on it.
const setupTimeout = 5 * time.Second

// Core is the running termination process: the wiring point for the codec,
// transport, registry, transaction table, subscription manager, and router.
type Core struct {
	cfg      config.Config
	codec    codec.Codec
	txns     *txn.Table
	subs     *subscription.Manager
	registry *servicemodel.Registry
	nodes    *e2node.Table
	router   *router.Router
	logger   *logging.Logger

	mu     sync.RWMutex
	assocs map[string]transport.Association

	readyMu sync.RWMutex
	ready   bool
}

// New constructs a Core, registering and freezing the E2SM-KPM and E2SM-NTN
// service models at the function ids carried in cfg.
func New(cfg config.Config, logger *logging.Logger) (*Core, error) {
	if logger == nil {
		logger = logging.L()
	}
	registry := servicemodel.New()
	if err := registry.Register(servicemodel.NewKPMHandler(cfg.KPMFunctionID)); err != nil {
		return nil, fmt.Errorf("core: register kpm handler: %w", err)
	}
	if err := registry.Register(servicemodel.NewNTNHandler(cfg.NTNFunctionID)); err != nil {
		return nil, fmt.Errorf("core: register ntn handler: %w", err)
	}
	registry.Freeze()

	nodes := e2node.NewTable()
	txns := txn.New(cfg.MaxTxnPerNode)
	subs := subscription.NewManager(cfg, nodes)

	rtr, err := router.New(cfg, codec.New(), txns, subs, registry, nodes, logger)
	if err != nil {
		return nil, err
	}

	return &Core{
		cfg:      cfg,
		codec:    codec.New(),
		txns:     txns,
		subs:     subs,
		registry: registry,
		nodes:    nodes,
		router:   rtr,
		logger:   logger,
		assocs:   make(map[string]transport.Association),
	}, nil
}

// Nodes returns the node table, for the admin API's read-only surface.
func (c *Core) Nodes() *e2node.Table { return c.nodes }

// Subscriptions returns the subscription manager, for the admin API's
// read-only surface.
func (c *Core) Subscriptions() *subscription.Manager { return c.subs }

// Ready reports whether the core has bound its listener and is accepting
// associations.
func (c *Core) Ready() bool {
	c.readyMu.RLock()
	defer c.readyMu.RUnlock()
	return c.ready
}

// Serve accepts associations from ln until ctx is cancelled or the listener
// errors, running the global deadline sweeper alongside it.
func (c *Core) Serve(ctx context.Context, ln *transport.Listener) error {
	c.readyMu.Lock()
	c.ready = true
	c.readyMu.Unlock()

	go c.sweepLoop(ctx)

	for {
		assoc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}
		go c.handleAssociation(ctx, assoc)
	}
}

func (c *Core) sweepLoop(ctx context.Context) {
	tick := c.cfg.DeadlineTick
	if tick <= 0 {
		tick = config.DefaultDeadlineTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	timeoutErr := e2err.Wrapf(e2err.KindTimeout, "transaction deadline exceeded")
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.txns.Sweep(now, timeoutErr)
		}
	}
}

// handleAssociation drives one accepted association from its E2 Setup
// handshake through to teardown: the heartbeat monitor and the Router's read
// dispatch loop run concurrently until either returns.
func (c *Core) handleAssociation(ctx context.Context, assoc transport.Association) {
	nodeID, err := c.performSetup(ctx, assoc)
	if err != nil {
		c.logger.Warn("e2 setup failed", logging.Error(err), logging.String("remote_addr", assoc.RemoteAddr()))
		metrics.IncError(string(e2err.KindProtocol))
		_ = assoc.Close()
		return
	}

	c.registerAssoc(nodeID, assoc)
	log := c.logger.With(logging.String("node", nodeID))
	log.Info("e2 node connected", logging.String("remote_addr", assoc.RemoteAddr()))

	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	go c.monitorHeartbeat(monitorCtx, nodeID, assoc)

	err = c.router.ServeAssociation(ctx, assoc, nodeID)
	cancelMonitor()
	if err != nil {
		log.Info("e2 association closed", logging.Error(err))
	}
	c.teardownNode(nodeID, assoc)
}

// performSetup waits for the peer's E2 Setup Request, validates its
// advertised RAN functions against the registry, records the node, and
// answers with a Setup acknowledgement PDU.
func (c *Core) performSetup(ctx context.Context, assoc transport.Association) (string, error) {
	setupCtx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	frame, err := assoc.Recv(setupCtx)
	if err != nil {
		return "", fmt.Errorf("core: recv setup request: %w", err)
	}
	pdu, err := c.codec.Decode(frame)
	if err != nil {
		return "", fmt.Errorf("core: decode setup request: %w", err)
	}
	if pdu.Procedure != codec.ProcedureSetup {
		return "", fmt.Errorf("core: expected E2 Setup Request, got procedure %d", pdu.Procedure)
	}

	idIE, ok := pdu.IE(codec.IETagNodeID)
	if !ok || len(idIE.Payload) == 0 {
		return "", fmt.Errorf("core: setup request missing node id")
	}
	nodeID := string(idIE.Payload)

	var functions []e2node.RANFunction
	for _, ie := range pdu.IEs {
		if ie.Tag != codec.IETagFunctionDescriptor {
			continue
		}
		fn, err := e2node.ParseFunctionDescriptor(ie.Payload)
		if err != nil {
			return "", fmt.Errorf("core: %w", err)
		}
		if _, err := c.registry.Lookup(fn.ID); err != nil {
			c.sendSetupFailure(assoc, pdu.TransactionID, "RANfunctionID-Invalid")
			return "", fmt.Errorf("core: node advertised unregistered function %d: %w", fn.ID, err)
		}
		functions = append(functions, fn)
	}

	node := c.nodes.Upsert(nodeID, time.Now())
	node.MarkConnected(functions, time.Now())
	metrics.SetNodes(string(e2node.StateConnected), len(c.nodes.All()))

	ack := codec.PDU{Procedure: codec.ProcedureSetupResp, TransactionID: pdu.TransactionID}
	ackFrame, err := c.codec.Encode(ack)
	if err != nil {
		return "", fmt.Errorf("core: encode setup response: %w", err)
	}
	if err := assoc.Send(ackFrame); err != nil {
		return "", fmt.Errorf("core: send setup response: %w", err)
	}
	return nodeID, nil
}

// sendSetupFailure tells the peer why its setup was rejected before the
// association is dropped; a send error here changes nothing, the caller is
// already tearing down.
func (c *Core) sendSetupFailure(assoc transport.Association, txID uint16, cause string) {
	fail := codec.PDU{
		Procedure:     codec.ProcedureSetupFail,
		TransactionID: txID,
		IEs: []codec.IE{
			{Tag: codec.IETagCauseCode, Payload: []byte(cause)},
		},
	}
	frame, err := c.codec.Encode(fail)
	if err != nil {
		return
	}
	_ = assoc.Send(frame)
}

func (c *Core) monitorHeartbeat(ctx context.Context, nodeID string, assoc transport.Association) {
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = config.DefaultHeartbeatInterval
	}
	missesToDead := c.cfg.HeartbeatMissesToDead
	if missesToDead <= 0 {
		missesToDead = config.DefaultHeartbeatMissesToDead
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			node, ok := c.nodes.Get(nodeID)
			if !ok {
				return
			}
			if !node.IdleSince(now, interval) {
				continue
			}
			if node.MissHeartbeat(missesToDead) {
				c.logger.Warn("node missed heartbeat threshold, closing association",
					logging.String("node", nodeID))
				_ = assoc.Close()
				return
			}
		}
	}
}

func (c *Core) registerAssoc(nodeID string, assoc transport.Association) {
	c.mu.Lock()
	c.assocs[nodeID] = assoc
	c.mu.Unlock()
}

func (c *Core) getAssoc(nodeID string) (transport.Association, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	assoc, ok := c.assocs[nodeID]
	return assoc, ok
}

// teardownNode tears down every subscription and outstanding transaction
// against nodeID once its association has closed.
func (c *Core) teardownNode(nodeID string, assoc transport.Association) {
	c.mu.Lock()
	if current, ok := c.assocs[nodeID]; ok && current == assoc {
		delete(c.assocs, nodeID)
	}
	c.mu.Unlock()

	c.subs.OnNodeLost(nodeID)
	c.txns.Forget(nodeID, e2err.Wrapf(e2err.KindUnreachable, "node %s unreachable", nodeID))
	c.nodes.Remove(nodeID)
	metrics.SetNodes(string(e2node.StateConnected), len(c.nodes.All()))
}

// BuildSetupRequest encodes an E2 Setup Request PDU advertising nodeID and
// functions. It is exported for test harnesses and node simulators driving
// the core over a real Association rather than calling it in-process.
func BuildSetupRequest(nodeID string, functions []e2node.RANFunction) (codec.PDU, error) {
	ies := []codec.IE{{Tag: codec.IETagNodeID, Payload: []byte(nodeID)}}
	for _, fn := range functions {
		payload, err := e2node.EncodeFunctionDescriptor(fn)
		if err != nil {
			return codec.PDU{}, fmt.Errorf("core: %w", err)
		}
		ies = append(ies, codec.IE{Tag: codec.IETagFunctionDescriptor, Payload: payload})
	}
	return codec.PDU{Procedure: codec.ProcedureSetup, IEs: ies}, nil
}

// Create runs the subscription creation flow end-to-end on behalf of
// xappID: registry validation, admission into the Subscription Manager, and
// the wire round trip to the node. The subscription only reaches Active
// once the node has admitted a non-empty action set.
func (c *Core) Create(ctx context.Context, xappID, nodeID string, functionID int, trigger subscription.EventTrigger, actions []subscription.Action) (*subscription.Subscription, error) {
	handler, err := c.registry.Lookup(functionID)
	if err != nil {
		return nil, e2err.New(e2err.KindValidation, err)
	}
	if err := handler.ValidateEventTrigger(trigger.Payload); err != nil {
		return nil, e2err.New(e2err.KindValidation, err)
	}
	for _, action := range actions {
		if err := handler.ValidateAction(action.Type, action.Payload); err != nil {
			return nil, e2err.New(e2err.KindValidation, err)
		}
	}

	if _, ok := c.nodes.Get(nodeID); !ok {
		return nil, e2err.New(e2err.KindUnreachable, fmt.Errorf("%w: %s", ErrNodeUnreachable, nodeID))
	}

	sub, err := c.subs.Create(xappID, nodeID, functionID, trigger, actions)
	if err != nil {
		if errors.Is(err, subscription.ErrNodeCapacity) {
			return nil, e2err.New(e2err.KindCapacity, err)
		}
		return nil, e2err.New(e2err.KindValidation, err)
	}

	assoc, ok := c.getAssoc(nodeID)
	if !ok {
		_ = c.subs.Finalize(sub.ID)
		return nil, e2err.New(e2err.KindUnreachable, fmt.Errorf("%w: %s", ErrNodeUnreachable, nodeID))
	}

	admitted, err := c.router.SendSubscriptionRequest(ctx, assoc, sub)
	if err != nil {
		_ = c.subs.Finalize(sub.ID)
		return nil, err
	}
	if err := c.subs.RecordAdmitted(sub.ID, admitted); err != nil {
		return nil, err
	}
	if err := c.subs.Activate(sub.ID); err != nil {
		return nil, err
	}
	return sub, nil
}

// ownedSubscription resolves id and checks xappID owns it.
func (c *Core) ownedSubscription(xappID, id string) (*subscription.Subscription, error) {
	sub, err := c.subs.Get(id)
	if err != nil {
		return nil, err
	}
	if sub.XAppID != xappID {
		return nil, e2err.New(e2err.KindValidation, fmt.Errorf("%w: %s", ErrNotOwner, id))
	}
	return sub, nil
}

// Modify replaces a subscription's trigger and action set on behalf of the
// owning xApp. The prior admitted set stays in effect until the node
// acknowledges the new one, and is restored if the round trip fails.
func (c *Core) Modify(ctx context.Context, xappID, subscriptionID string, trigger subscription.EventTrigger, actions []subscription.Action) error {
	sub, err := c.ownedSubscription(xappID, subscriptionID)
	if err != nil {
		return err
	}
	handler, err := c.registry.Lookup(sub.FunctionID)
	if err != nil {
		return e2err.New(e2err.KindValidation, err)
	}
	if err := handler.ValidateEventTrigger(trigger.Payload); err != nil {
		return e2err.New(e2err.KindValidation, err)
	}
	for _, action := range actions {
		if err := handler.ValidateAction(action.Type, action.Payload); err != nil {
			return e2err.New(e2err.KindValidation, err)
		}
	}

	priorTrigger, priorActions := sub.EventTrigger, sub.Actions
	if err := c.subs.Modify(subscriptionID, trigger, actions); err != nil {
		return err
	}

	assoc, ok := c.getAssoc(sub.NodeID)
	if !ok {
		_ = c.subs.RollbackModify(subscriptionID, priorTrigger, priorActions)
		return e2err.New(e2err.KindUnreachable, fmt.Errorf("%w: %s", ErrNodeUnreachable, sub.NodeID))
	}
	admitted, err := c.router.SendSubscriptionRequest(ctx, assoc, sub)
	if err != nil {
		_ = c.subs.RollbackModify(subscriptionID, priorTrigger, priorActions)
		return err
	}
	if err := c.subs.RecordAdmitted(subscriptionID, admitted); err != nil {
		return err
	}
	return c.subs.CompleteModify(subscriptionID)
}

// Delete removes a subscription on behalf of the owning xApp. It is
// unroutable as soon as it enters Deleting, and is finalized (sink closed,
// Dead) whether the node acknowledges, times out, or has no live
// association.
func (c *Core) Delete(ctx context.Context, xappID, subscriptionID string) error {
	sub, err := c.ownedSubscription(xappID, subscriptionID)
	if err != nil {
		return err
	}
	if err := c.subs.Delete(subscriptionID); err != nil {
		return err
	}

	var sendErr error
	if assoc, ok := c.getAssoc(sub.NodeID); ok {
		sendErr = c.router.SendDeleteRequest(ctx, assoc, sub)
	} else {
		sendErr = e2err.New(e2err.KindUnreachable, fmt.Errorf("%w: %s", ErrNodeUnreachable, sub.NodeID))
	}
	_ = c.subs.Finalize(subscriptionID)
	return sendErr
}

// List returns every subscription tracked against nodeID, or every
// subscription across every node when nodeID is empty.
func (c *Core) List(nodeID string) []*subscription.Subscription {
	if nodeID != "" {
		return c.subs.List(nodeID)
	}
	var out []*subscription.Subscription
	for _, node := range c.nodes.All() {
		out = append(out, c.subs.List(node.ID())...)
	}
	return out
}

// ControlRequest round-trips a RIC Control Request, clamping deadline to
// [1ms, T_ctl_max] and taking the fire-and-forget branch when ack is false.
func (c *Core) ControlRequest(ctx context.Context, nodeID string, functionID int, header, message []byte, ack bool, deadline time.Duration) (router.ControlOutcome, error) {
	node, ok := c.nodes.Get(nodeID)
	if !ok {
		return router.ControlOutcome{}, e2err.New(e2err.KindUnreachable, fmt.Errorf("%w: %s", ErrNodeUnreachable, nodeID))
	}
	if _, ok := node.Function(functionID); !ok {
		return router.ControlOutcome{}, e2err.New(e2err.KindValidation, fmt.Errorf("core: function %d not advertised by node %s", functionID, nodeID))
	}
	assoc, ok := c.getAssoc(nodeID)
	if !ok {
		return router.ControlOutcome{}, e2err.New(e2err.KindUnreachable, fmt.Errorf("%w: %s", ErrNodeUnreachable, nodeID))
	}

	if !ack {
		if err := c.router.SendControlNoAck(assoc, functionID, header, message); err != nil {
			return router.ControlOutcome{}, err
		}
		return router.ControlOutcome{Success: true}, nil
	}

	clamped := deadline
	if clamped <= 0 || clamped > c.cfg.TCtlMax {
		clamped = c.cfg.TCtlMax
	}
	if clamped < time.Millisecond {
		clamped = time.Millisecond
	}
	return c.router.SendControlRequestDeadline(ctx, assoc, nodeID, functionID, header, message, clamped)
}
