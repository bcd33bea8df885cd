// Package router implements the Query Router (C2): dispatch of an incoming
// request through an ordered chain of handlers until one claims it.
package router

import (
	"fmt"
	"time"

	"github.com/fkie-cad/wattson-controlplane/controlplane/logging"
	"github.com/fkie-cad/wattson-controlplane/controlplane/observability"
	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
)

// Handler is implemented by every component that can answer queries: the
// core handler and each registered simulator.
type Handler interface {
	Claims(queryType string) bool
	Handle(req *protocol.Request) *protocol.Response
}

// Router holds an ordered handler chain and dispatches requests through it.
// Handlers are tried in registration order; the server registers the core
// handler first and the simulators after it, so the core handler has claim
// precedence.
type Router struct {
	logger   logging.Logger
	handlers []Handler
}

// New builds an empty Router.
func New(logger logging.Logger) *Router {
	if logger == nil {
		logger = logging.NewNoop()
	}
	return &Router{logger: logger}
}

// Register appends h to the end of the handler chain.
func (r *Router) Register(h Handler) {
	r.handlers = append(r.handlers, h)
}

// Dispatch routes req through the handler chain and returns the resulting
// response. MultiRequests go through DispatchMulti, which calls Dispatch once
// per sub-request.
func (r *Router) Dispatch(req *protocol.Request) (resp *protocol.Response) {
	start := time.Now()
	status := "ok"
	defer func() {
		observability.RecordQuery(req.QueryType, status, time.Since(start).Seconds())
	}()
	defer func() {
		if rec := recover(); rec != nil {
			status = "error"
			r.logger.Error("handler_panic", "query_type", req.QueryType, "recovered", fmt.Sprint(rec))
			resp = protocol.FailResponse(fmt.Sprintf("handler panic: %v", rec))
		}
	}()

	for _, h := range r.handlers {
		if !h.Claims(req.QueryType) {
			continue
		}
		if req.IsHandled() && !req.AllowMultiHandling {
			break
		}

		panicked := false
		handled := func() (out *protocol.Response) {
			defer func() {
				if rec := recover(); rec != nil {
					panicked = true
					r.logger.Error("handler_panic", "query_type", req.QueryType, "recovered", fmt.Sprint(rec))
					out = protocol.FailResponse(fmt.Sprintf("handler panic: %v", rec))
				}
			}()
			return h.Handle(req)
		}()

		if handled != nil {
			resp = handled
			req.MarkHandled()
			if panicked {
				status = "error"
				break
			}
			if !req.AllowMultiHandling {
				break
			}
		}
	}

	if resp == nil {
		status = "unhandled"
		r.logger.Debug("query_unhandled", "query_type", req.QueryType)
		return protocol.UnhandledQueryResponse(req.QueryType)
	}
	return resp
}

// DispatchMulti runs each sub-request of m independently in order and
// collects the responses, per the MultiRequest routing step.
func (r *Router) DispatchMulti(m *protocol.MultiRequest) *protocol.MultiResponse {
	out := &protocol.MultiResponse{Responses: make([]*protocol.Response, 0, len(m.Requests))}
	for _, sub := range m.Requests {
		out.Responses = append(out.Responses, r.Dispatch(sub))
	}
	return out
}

// Send delivers resp to the transport layer via send, then invokes resp's
// OnPostSend callback if one is set, matching the router's final step:
// post-send actions run only once the client has the reply in hand.
func Send(resp *protocol.Response, send func(*protocol.Response) error) error {
	if err := send(resp); err != nil {
		return err
	}
	if resp.OnPostSend != nil {
		resp.OnPostSend()
	}
	return nil
}
