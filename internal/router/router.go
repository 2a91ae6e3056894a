// Package router implements the Indication/Control Router: dispatching
// inbound indications to their subscription's Sink, round-tripping control
// requests through the Transaction Table, terminating the node-initiated
// reset/service-update/configuration-update procedures, and tearing down an
// association once it has sent too many malformed PDUs in a row.
package router

import (
	"context"
	"fmt"
	"time"

	"ranic/e2tc/internal/codec"
	"ranic/e2tc/internal/config"
	"ranic/e2tc/internal/e2err"
	"ranic/e2tc/internal/e2node"
	"ranic/e2tc/internal/logging"
	"ranic/e2tc/internal/metrics"
	"ranic/e2tc/internal/servicemodel"
	"ranic/e2tc/internal/subscription"
	"ranic/e2tc/internal/transport"
	"ranic/e2tc/internal/txn"
)

// maxConsecutiveMalformed is the number of consecutive codec failures an
// association tolerates before the Router tears it down.
const maxConsecutiveMalformed = 3

// ControlOutcome is the result of a round-tripped RIC Control Request.
type ControlOutcome struct {
	Success bool
	Payload []byte
	Cause   string
	Latency time.Duration
}

// Router wires the Codec, Transaction Table, Subscription Manager, and
// Service-Model Registry together into the per-association read loop and
// the request/response round trips that make up C6.
type Router struct {
	cfg        config.Config
	codec      codec.Codec
	txns       *txn.Table
	subs       *subscription.Manager
	registry   *servicemodel.Registry
	nodes      *e2node.Table
	compressor Compressor
	logger     *logging.Logger
}

// New constructs a Router.
func New(cfg config.Config, c codec.Codec, txns *txn.Table, subs *subscription.Manager, registry *servicemodel.Registry, nodes *e2node.Table, logger *logging.Logger) (*Router, error) {
	compressor, err := NewZstdCompressor()
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Router{
		cfg:        cfg,
		codec:      c,
		txns:       txns,
		subs:       subs,
		registry:   registry,
		nodes:      nodes,
		compressor: compressor,
		logger:     logger,
	}, nil
}

// ServeAssociation runs the read dispatch loop for one connected node until
// the association closes, ctx is cancelled, or the node exceeds the
// consecutive-malformed-PDU threshold.
func (r *Router) ServeAssociation(ctx context.Context, assoc transport.Association, nodeID string) error {
	log := r.logger.With(logging.String("node", nodeID), logging.String("remote_addr", assoc.RemoteAddr()))
	strikes := 0
	for {
		frame, err := assoc.Recv(ctx)
		if err != nil {
			return err
		}
		if node, ok := r.nodes.Get(nodeID); ok {
			//1.- Any successfully received frame counts as proof of liveness;
			// the separate heartbeat ticker only has to catch silence.
			node.Heartbeat(time.Now())
		}
		pdu, err := r.codec.Decode(frame)
		if err != nil {
			strikes++
			metrics.IncError(string(e2err.KindCodec))
			log.Warn("malformed pdu", logging.Error(err), logging.Int("strikes", strikes))
			if strikes >= maxConsecutiveMalformed {
				return e2err.Wrapf(e2err.KindProtocol, "node %s exceeded malformed pdu threshold", nodeID)
			}
			r.sendErrorIndication(assoc, "protocol", log)
			continue
		}
		strikes = 0
		r.dispatch(nodeID, assoc, pdu, log)
	}
}

// sendErrorIndication answers a recoverable peer fault with an Error
// Indication PDU; a send failure here is not worth tearing the association
// down over, the strike counter already bounds how long the peer can misbehave.
func (r *Router) sendErrorIndication(assoc transport.Association, cause string, log *logging.Logger) {
	pdu := codec.PDU{
		Procedure: codec.ProcedureErrorIndication,
		IEs: []codec.IE{
			{Tag: codec.IETagCauseCode, Payload: []byte(cause)},
		},
	}
	frame, err := r.codec.Encode(pdu)
	if err != nil {
		log.Error("encode error indication", logging.Error(err))
		return
	}
	if err := assoc.Send(frame); err != nil {
		log.Warn("send error indication", logging.Error(err))
	}
}

func (r *Router) dispatch(nodeID string, assoc transport.Association, pdu codec.PDU, log *logging.Logger) {
	switch pdu.Procedure {
	case codec.ProcedureIndication:
		r.handleIndication(nodeID, pdu, log)
	case codec.ProcedureSubscriptionResp, codec.ProcedureSubscriptionFail,
		codec.ProcedureSubscriptionDelResp, codec.ProcedureSubscriptionDelFail,
		codec.ProcedureControlAck, codec.ProcedureControlFailure:
		if !r.txns.Resolve(nodeID, pdu.TransactionID, txn.Result{Value: pdu}) {
			//2.- Late responses to already-expired transactions are matched
			// and discarded here, never surfaced to a caller.
			metrics.IncError(string(e2err.KindProtocol))
			log.Debug("resolve missed outstanding transaction",
				logging.Int("transaction_id", int(pdu.TransactionID)))
		}
	case codec.ProcedureReset:
		r.handleReset(nodeID, assoc, pdu, log)
	case codec.ProcedureServiceUpdate:
		r.handleServiceUpdate(nodeID, assoc, pdu, log)
	case codec.ProcedureConfigUpdate:
		r.handleConfigUpdate(nodeID, assoc, pdu, log)
	default:
		metrics.IncError(string(e2err.KindProtocol))
		log.Warn("unexpected procedure from node", logging.Int("procedure", int(pdu.Procedure)))
	}
}

// handleReset drops every subscription and outstanding transaction for the
// node, then acknowledges; the association itself stays up and the peer is
// expected to re-subscribe from a clean slate.
func (r *Router) handleReset(nodeID string, assoc transport.Association, pdu codec.PDU, log *logging.Logger) {
	log.Info("reset requested by node")
	r.txns.Forget(nodeID, e2err.Wrapf(e2err.KindProtocol, "node %s reset", nodeID))
	r.subs.OnNodeLost(nodeID)
	ack := codec.PDU{Procedure: codec.ProcedureResetAck, TransactionID: pdu.TransactionID}
	frame, err := r.codec.Encode(ack)
	if err != nil {
		log.Error("encode reset ack", logging.Error(err))
		return
	}
	if err := assoc.Send(frame); err != nil {
		log.Warn("send reset ack", logging.Error(err))
	}
}

// handleServiceUpdate replaces the node's advertised RAN function set. Any
// function the update no longer carries is withdrawn: its subscriptions are
// torn down and their xApps told before the sink EOF.
func (r *Router) handleServiceUpdate(nodeID string, assoc transport.Association, pdu codec.PDU, log *logging.Logger) {
	node, ok := r.nodes.Get(nodeID)
	if !ok {
		log.Warn("service update for unknown node")
		return
	}

	var updated []e2node.RANFunction
	for _, ie := range pdu.IEs {
		if ie.Tag != codec.IETagFunctionDescriptor {
			continue
		}
		fn, err := e2node.ParseFunctionDescriptor(ie.Payload)
		if err != nil {
			metrics.IncError(string(e2err.KindCodec))
			log.Warn("service update carried malformed descriptor", logging.Error(err))
			r.sendErrorIndication(assoc, "protocol", log)
			return
		}
		if _, err := r.registry.Lookup(fn.ID); err != nil {
			metrics.IncError(string(e2err.KindValidation))
			r.sendErrorIndication(assoc, "RANfunctionID-Invalid", log)
			return
		}
		updated = append(updated, fn)
	}

	kept := make(map[int]bool, len(updated))
	for _, fn := range updated {
		kept[fn.ID] = true
	}
	for _, fn := range node.Functions() {
		if !kept[fn.ID] {
			log.Info("function withdrawn by service update", logging.Int("function_id", fn.ID))
			r.subs.OnFunctionWithdrawn(nodeID, fn.ID)
		}
	}
	node.MarkConnected(updated, time.Now())

	ack := codec.PDU{Procedure: codec.ProcedureServiceUpdateAck, TransactionID: pdu.TransactionID}
	frame, err := r.codec.Encode(ack)
	if err != nil {
		log.Error("encode service update ack", logging.Error(err))
		return
	}
	if err := assoc.Send(frame); err != nil {
		log.Warn("send service update ack", logging.Error(err))
	}
}

// handleConfigUpdate acknowledges an E2 Node configuration update. The core
// keeps no per-node configuration beyond the function table, so the update
// only refreshes liveness and is acked as received.
func (r *Router) handleConfigUpdate(nodeID string, assoc transport.Association, pdu codec.PDU, log *logging.Logger) {
	log.Debug("configuration update received", logging.String("node", nodeID))
	ack := codec.PDU{Procedure: codec.ProcedureConfigUpdateAck, TransactionID: pdu.TransactionID}
	frame, err := r.codec.Encode(ack)
	if err != nil {
		log.Error("encode configuration update ack", logging.Error(err))
		return
	}
	if err := assoc.Send(frame); err != nil {
		log.Warn("send configuration update ack", logging.Error(err))
	}
}

func (r *Router) handleIndication(nodeID string, pdu codec.PDU, log *logging.Logger) {
	//3.- Correlate by ric-request-id when the peer echoes one; fall back to
	// the subscription id IE for peers that round-trip the opaque id instead.
	var sub *subscription.Subscription
	if pdu.RICRequestID != 0 {
		if s, err := r.subs.GetByRIC(nodeID, pdu.RICRequestID); err == nil {
			sub = s
		}
	}
	if sub == nil {
		idIE, ok := pdu.IE(codec.IETagIndicationType)
		if !ok {
			metrics.IncIndicationDropped("unknown")
			log.Warn("indication carried no correlatable id")
			return
		}
		s, err := r.subs.Get(string(idIE.Payload))
		if err != nil {
			metrics.IncIndicationDropped("unknown")
			log.Debug("indication for unknown subscription", logging.String("subscription_id", string(idIE.Payload)))
			return
		}
		sub = s
	}
	//4.- Indications are only routed while the subscription is Active, or
	// Modifying (the prior admitted action set stays in effect mid-modify).
	if state := sub.State(); state != subscription.StateActive && state != subscription.StateModifying {
		metrics.IncIndicationDropped("not_active")
		log.Debug("indication for inactive subscription",
			logging.String("subscription_id", sub.ID), logging.String("state", string(state)))
		return
	}

	var header []byte
	if hdrIE, ok := pdu.IE(codec.IETagIndicationHdr); ok {
		header = hdrIE.Payload
	}
	message := []byte(nil)
	if msgIE, ok := pdu.IE(codec.IETagIndicationMsg); ok {
		message = msgIE.Payload
	}

	compressed := false
	if r.cfg.IndicationCompressThresholdBytes > 0 && int64(len(message)) > r.cfg.IndicationCompressThresholdBytes {
		if out, err := r.compressor.Compress(message); err == nil {
			message = out
			compressed = true
		} else {
			log.Warn("indication compression failed", logging.Error(err))
		}
	}

	env := subscription.IndicationEnvelope{
		SubscriptionID: sub.ID,
		NodeID:         nodeID,
		FunctionID:     sub.FunctionID,
		ReceivedAt:     time.Now(),
		Header:         header,
		Message:        message,
		Compressed:     compressed,
	}
	if !sub.Sink().Deliver(env) {
		log.Debug("indication dropped by sink", logging.String("subscription_id", sub.ID))
	}
}

// SendSubscriptionRequest encodes and sends a RIC Subscription Request for
// sub, waiting up to T_sub for the node's acknowledgement, and returns the
// action ids the node admitted. A response admitting none of the requested
// actions is a rejection, not a success.
func (r *Router) SendSubscriptionRequest(ctx context.Context, assoc transport.Association, sub *subscription.Subscription) ([]int, error) {
	waiter, err := r.txns.Create(sub.NodeID, time.Now(), r.cfg.TSub)
	if err != nil {
		return nil, e2err.New(e2err.KindCapacity, err)
	}
	ies := []codec.IE{
		{Tag: codec.IETagRANFunctionID, Payload: intPayload(sub.FunctionID)},
		{Tag: codec.IETagEventTrigger, Payload: sub.EventTrigger.Payload},
		{Tag: codec.IETagIndicationType, Payload: []byte(sub.ID)},
	}
	for _, action := range sub.Actions {
		//1.- Each action IE leads with its 4-byte id so the node can name
		// admitted actions in its response; the rest stays opaque.
		payload := append(intPayload(action.ID), action.Payload...)
		ies = append(ies, codec.IE{Tag: codec.IETagActionList, Payload: payload})
	}
	pdu := codec.PDU{
		Procedure:     codec.ProcedureSubscriptionReq,
		TransactionID: waiter.ID,
		RICRequestID:  sub.RICRequestID,
		IEs:           ies,
	}
	frame, err := r.codec.Encode(pdu)
	if err != nil {
		return nil, e2err.New(e2err.KindCodec, err)
	}
	if err := assoc.Send(frame); err != nil {
		return nil, e2err.New(e2err.KindTransport, err)
	}
	res, err := waiter.Wait(ctx)
	if err != nil {
		return nil, e2err.New(e2err.KindTimeout, err)
	}
	if res.Err != nil {
		return nil, e2err.New(e2err.KindTimeout, res.Err)
	}
	resp, ok := res.Value.(codec.PDU)
	if !ok {
		return nil, e2err.Wrapf(e2err.KindProtocol, "subscription %s: malformed response", sub.ID)
	}
	if resp.Procedure == codec.ProcedureSubscriptionFail {
		cause := "unspecified"
		if ie, ok := resp.IE(codec.IETagCauseCode); ok {
			cause = string(ie.Payload)
		}
		return nil, e2err.Wrapf(e2err.KindValidation, "subscription %s rejected: %s", sub.ID, cause)
	}
	if resp.Procedure != codec.ProcedureSubscriptionResp {
		return nil, e2err.Wrapf(e2err.KindProtocol, "subscription %s: unexpected procedure %d", sub.ID, resp.Procedure)
	}

	var admitted []int
	for _, ie := range resp.IEs {
		if ie.Tag != codec.IETagAdmittedAction {
			continue
		}
		actionID, ok := intFromPayload(ie.Payload)
		if !ok {
			return nil, e2err.Wrapf(e2err.KindProtocol, "subscription %s: malformed admitted action ie", sub.ID)
		}
		admitted = append(admitted, actionID)
	}
	if len(sub.Actions) > 0 && len(admitted) == 0 {
		return nil, e2err.Wrapf(e2err.KindValidation, "subscription %s rejected: empty admitted action set", sub.ID)
	}
	return admitted, nil
}

// SendDeleteRequest encodes and sends a RIC Subscription Delete Request,
// waiting up to T_del for acknowledgement.
func (r *Router) SendDeleteRequest(ctx context.Context, assoc transport.Association, sub *subscription.Subscription) error {
	waiter, err := r.txns.Create(sub.NodeID, time.Now(), r.cfg.TDel)
	if err != nil {
		return e2err.New(e2err.KindCapacity, err)
	}
	pdu := codec.PDU{
		Procedure:     codec.ProcedureSubscriptionDelReq,
		TransactionID: waiter.ID,
		RICRequestID:  sub.RICRequestID,
		IEs: []codec.IE{
			{Tag: codec.IETagIndicationType, Payload: []byte(sub.ID)},
		},
	}
	frame, err := r.codec.Encode(pdu)
	if err != nil {
		return e2err.New(e2err.KindCodec, err)
	}
	if err := assoc.Send(frame); err != nil {
		return e2err.New(e2err.KindTransport, err)
	}
	res, err := waiter.Wait(ctx)
	if err != nil {
		return e2err.New(e2err.KindTimeout, err)
	}
	if res.Err != nil {
		return e2err.New(e2err.KindTimeout, res.Err)
	}
	return nil
}

// SendControlRequest encodes and sends a RIC Control Request, waiting up to
// T_ctl_max for the outcome.
func (r *Router) SendControlRequest(ctx context.Context, assoc transport.Association, nodeID string, functionID int, header, message []byte) (ControlOutcome, error) {
	return r.SendControlRequestDeadline(ctx, assoc, nodeID, functionID, header, message, r.cfg.TCtlMax)
}

// SendControlRequestDeadline is SendControlRequest with an explicit deadline,
// already clamped by the caller to [1ms, T_ctl_max].
func (r *Router) SendControlRequestDeadline(ctx context.Context, assoc transport.Association, nodeID string, functionID int, header, message []byte, deadline time.Duration) (ControlOutcome, error) {
	start := time.Now()
	waiter, err := r.txns.Create(nodeID, start, deadline)
	if err != nil {
		return ControlOutcome{}, e2err.New(e2err.KindCapacity, err)
	}
	pdu := codec.PDU{
		Procedure:     codec.ProcedureControlRequest,
		TransactionID: waiter.ID,
		IEs: []codec.IE{
			{Tag: codec.IETagRANFunctionID, Payload: intPayload(functionID)},
			{Tag: codec.IETagControlHdr, Payload: header},
			{Tag: codec.IETagControlMsg, Payload: message},
		},
	}
	frame, err := r.codec.Encode(pdu)
	if err != nil {
		return ControlOutcome{}, e2err.New(e2err.KindCodec, err)
	}
	if err := assoc.Send(frame); err != nil {
		return ControlOutcome{}, e2err.New(e2err.KindTransport, err)
	}
	res, err := waiter.Wait(ctx)
	if err != nil {
		return ControlOutcome{}, e2err.New(e2err.KindTimeout, err)
	}
	if res.Err != nil {
		return ControlOutcome{}, e2err.New(e2err.KindTimeout, res.Err)
	}
	resp, ok := res.Value.(codec.PDU)
	if !ok {
		return ControlOutcome{}, e2err.Wrapf(e2err.KindProtocol, "malformed control response")
	}
	outcome := ControlOutcome{
		Success: resp.Procedure == codec.ProcedureControlAck,
		Latency: time.Since(start),
	}
	if ie, ok := resp.IE(codec.IETagControlOutcome); ok {
		outcome.Payload = ie.Payload
	}
	if ie, ok := resp.IE(codec.IETagCauseCode); ok {
		outcome.Cause = string(ie.Payload)
	}
	return outcome, nil
}

// SendControlNoAck encodes and sends a RIC Control Request without
// registering a Transaction, for the fire-and-forget control path.
func (r *Router) SendControlNoAck(assoc transport.Association, functionID int, header, message []byte) error {
	pdu := codec.PDU{
		Procedure: codec.ProcedureControlRequest,
		IEs: []codec.IE{
			{Tag: codec.IETagRANFunctionID, Payload: intPayload(functionID)},
			{Tag: codec.IETagControlHdr, Payload: header},
			{Tag: codec.IETagControlMsg, Payload: message},
		},
	}
	frame, err := r.codec.Encode(pdu)
	if err != nil {
		return e2err.New(e2err.KindCodec, err)
	}
	if err := assoc.Send(frame); err != nil {
		return e2err.New(e2err.KindTransport, err)
	}
	return nil
}

func intPayload(v int) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func intFromPayload(payload []byte) (int, bool) {
	if len(payload) < 4 {
		return 0, false
	}
	return int(payload[0])<<24 | int(payload[1])<<16 | int(payload[2])<<8 | int(payload[3]), true
}
