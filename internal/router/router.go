// Package router forwards point-to-point requests from requesters to print-workers
// and relays the replies back along the echoed reply route.
package router

import (
	"encoding/json"
	"errors"

	"hiprint/transit/internal/fabric"
	"hiprint/transit/internal/logging"
	"hiprint/transit/internal/networking"
	"hiprint/transit/internal/protocol"
)

var (
	// ErrMissingTarget is returned when a request names no target session.
	ErrMissingTarget = errors.New("client must be specified")
	// ErrTargetNotFound is returned when the target is not a worker of the tenant.
	ErrTargetNotFound = errors.New("client does not exist")
)

var jobEvents = map[string]struct{}{
	protocol.EventIPPPrint:   {},
	protocol.EventIPPRequest: {},
	protocol.EventNews:       {},
}

var replyEvents = map[string]struct{}{
	protocol.EventIPPPrinterConnected: {},
	protocol.EventIPPPrinterCallback:  {},
	protocol.EventIPPRequestCallback:  {},
	protocol.EventSuccess:             {},
	protocol.EventError:               {},
}

// IsJob reports whether event is routed to a print-worker.
func IsJob(event string) bool {
	_, ok := jobEvents[event]
	return ok
}

// IsReply reports whether event is relayed back along a reply route.
func IsReply(event string) bool {
	_, ok := replyEvents[event]
	return ok
}

// Sessions answers whether a worker session is registered for a tenant.
type Sessions interface {
	Has(tenant, id string) bool
}

// Switchboard resolves live connections by identifier.
type Switchboard interface {
	Lookup(id string) (fabric.Conn, bool)
}

// Request is a job addressed by a requester to a print-worker session.
type Request struct {
	Tenant  string
	Origin  string
	Event   string
	Payload map[string]any
}

// Reply is a worker answer travelling back along a reply route.
type Reply struct {
	Tenant string
	From   string
	Route  string
	Event  string
	Data   json.RawMessage
	Args   []json.RawMessage
}

// Router keeps no pending-request table: the origin connection identifier rides in
// the forwarded payload and is the only correlation state.
type Router struct {
	sessions Sessions
	conns    Switchboard
	metrics  *networking.RelayMetrics
	log      *logging.Logger
}

// New wires a router to the registry and the connection index.
func New(sessions Sessions, conns Switchboard, metrics *networking.RelayMetrics, logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.L()
	}
	return &Router{
		sessions: sessions,
		conns:    conns,
		metrics:  metrics,
		log:      logger.With(logging.String("component", "router")),
	}
}

// Route forwards req to its target with the reply route attached and returns
// without waiting for an answer. A missing or unknown target produces exactly one
// error event to the origin and returns ErrMissingTarget or ErrTargetNotFound.
func (r *Router) Route(req Request) error {
	target := protocol.StringField(req.Payload, protocol.FieldTarget)
	if target == "" {
		return r.reject(req, ErrMissingTarget, networking.FailureMissingTarget)
	}
	if !r.sessions.Has(req.Tenant, target) {
		return r.reject(req, ErrTargetNotFound, networking.FailureTargetNotFound)
	}

	outbound := make(map[string]any, len(req.Payload)+1)
	for k, v := range req.Payload {
		outbound[k] = v
	}
	outbound[protocol.FieldReplyRoute] = req.Origin
	frame, err := protocol.Encode(req.Event, outbound)
	if err != nil {
		r.log.Error("encode routed request", logging.String("event", req.Event), logging.Error(err))
		r.metrics.ObserveFailure(req.Tenant, networking.FailureSendRejected)
		return nil
	}

	conn, ok := r.conns.Lookup(target)
	if !ok || !conn.Send(frame) {
		// The worker disconnected after the registry check or its queue is full.
		r.log.Warn("routed request not accepted by target",
			logging.String("event", req.Event),
			logging.String("origin", req.Origin),
			logging.String("target", target),
		)
		r.metrics.ObserveFailure(req.Tenant, networking.FailureSendRejected)
		return nil
	}
	r.metrics.ObserveRouted(req.Tenant)
	r.log.Info(req.Origin+" send "+req.Event+" to "+target,
		logging.String("event", req.Event),
		logging.String("origin", req.Origin),
		logging.String("target", target),
	)
	return nil
}

func (r *Router) reject(req Request, reason error, failure networking.RouteFailure) error {
	r.metrics.ObserveFailure(req.Tenant, failure)
	payload := protocol.ErrorPayload{
		Msg:        WireMessage(reason),
		TemplateID: protocol.RawField(req.Payload, protocol.FieldCorrelation),
	}
	frame, err := protocol.Encode(protocol.EventError, payload)
	if err == nil {
		if conn, ok := r.conns.Lookup(req.Origin); ok {
			conn.Send(frame)
		}
	}
	r.log.Debug("routed request rejected",
		logging.String("event", req.Event),
		logging.String("origin", req.Origin),
		logging.Error(reason),
	)
	return reason
}

// WireMessage is the human readable reason sent to the origin for a routing error.
func WireMessage(err error) string {
	switch {
	case errors.Is(err, ErrMissingTarget):
		return "Client must be specified."
	case errors.Is(err, ErrTargetNotFound):
		return "Client is not exist."
	case err == nil:
		return ""
	default:
		return err.Error()
	}
}

// ReplyFrom extracts the reply carried by env. ippPrinterConnected forwards only its
// printer field and requires it; every other reply kind forwards data and extra
// arguments unchanged. ok is false when the frame carries no reply route.
func ReplyFrom(tenant, from string, env protocol.Envelope) (Reply, bool) {
	payload, err := env.Object()
	if err != nil {
		return Reply{}, false
	}
	route := protocol.StringField(payload, protocol.FieldReplyRoute)
	if route == "" {
		return Reply{}, false
	}
	reply := Reply{Tenant: tenant, From: from, Route: route, Event: env.Event, Data: env.Data, Args: env.Args}
	if env.Event == protocol.EventIPPPrinterConnected {
		printer := protocol.RawField(payload, protocol.FieldPrinter)
		if printer == nil {
			return Reply{}, false
		}
		reply.Data = printer
		reply.Args = nil
	}
	return reply, true
}

// ReplyBack delivers reply to the connection currently holding its route. Replies
// whose route does not resolve to a live connection of the same tenant are dropped
// without notifying the replier.
func (r *Router) ReplyBack(reply Reply) bool {
	conn, ok := r.conns.Lookup(reply.Route)
	if !ok || conn.Tenant() != reply.Tenant {
		r.metrics.ObserveReply(reply.Tenant, false)
		r.log.Debug("reply dropped: route not live",
			logging.String("event", reply.Event),
			logging.String("from", reply.From),
			logging.String("route", reply.Route),
		)
		return false
	}
	frame, err := protocol.Encode(reply.Event, reply.Data, reply.Args...)
	if err != nil || !conn.Send(frame) {
		r.metrics.ObserveReply(reply.Tenant, false)
		return false
	}
	r.metrics.ObserveReply(reply.Tenant, true)
	return true
}
