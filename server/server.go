// Package server implements the RPC server: service registration, the
// middleware chain, and at its core the per-request invocation Context that
// guarantees a logical request is executed at most once even when the client
// retries it over several connections.
//
// Per-attempt pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request frame: go handleRequest
//	    → find-or-create Context by request id → register Invocator
//	    → decode parameters → claim invoking state (arbitration)
//	    → winner runs middleware chain + reflect call → publish result
//	    → every attempt waits for the finish and emits the stored
//	      response record on its own connection
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"stream-rpc/codec"
	"stream-rpc/message"
	"stream-rpc/middleware"
	"stream-rpc/protocol"
	"stream-rpc/registry"
	"stream-rpc/stream"
)

const defaultReapInterval = 30 * time.Second

// Server registers services and handles incoming requests.
type Server struct {
	serviceMap    map[string]*service
	listener      net.Listener
	wg            sync.WaitGroup // in-flight attempts, for graceful shutdown
	shutdown      atomic.Bool
	middlewares   []middleware.Middleware
	handler       middleware.HandlerFunc
	registry      registry.Registry
	advertiseAddr string
	logger        *zap.Logger

	ctxMu    sync.Mutex
	contexts map[message.RequestID]*Context

	lifetimes    Lifetimes
	compressed   bool
	audit        stream.Builder
	reapInterval time.Duration
	reaperStop   chan struct{}
}

// NewServer creates a server with default lifetimes, compression on, no audit
// sink, and a no-op logger.
func NewServer() *Server {
	return &Server{
		serviceMap:   make(map[string]*service),
		contexts:     make(map[message.RequestID]*Context),
		logger:       zap.NewNop(),
		lifetimes:    DefaultLifetimes,
		compressed:   true,
		reapInterval: defaultReapInterval,
		reaperStop:   make(chan struct{}),
	}
}

// SetLogger replaces the no-op default.
func (svr *Server) SetLogger(logger *zap.Logger) {
	svr.logger = logger
}

// SetLifetimes overrides the context expiration thresholds. Call before Serve.
func (svr *Server) SetLifetimes(l Lifetimes) {
	svr.lifetimes = l
}

// SetCompressed configures response compression for all new contexts.
// Clients must be configured to match.
func (svr *Server) SetCompressed(compressed bool) {
	svr.compressed = compressed
}

// SetAuditBuilder installs an audit sink: every emitted response is mirrored
// there as a header-prefixed record. Nil disables auditing.
func (svr *Server) SetAuditBuilder(b stream.Builder) {
	svr.audit = b
}

// SetReapInterval overrides how often expired contexts are swept. Call before
// Serve.
func (svr *Server) SetReapInterval(d time.Duration) {
	svr.reapInterval = d
}

// Register registers a service receiver (e.g. &Arith{}). Its exported methods
// matching the RPC signature become remotely callable.
func (svr *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	svr.serviceMap[svc.name] = svc
	return nil
}

// Use registers a middleware. Middlewares are applied in the order added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on the given address, optionally registers with the service
// registry, starts the context reaper, and enters the accept loop.
//
// advertiseAddr is what gets registered in etcd (e.g. "127.0.0.1:8080") and
// may differ from the listen address (":8080" is not routable).
// Pass a nil registry to skip discovery.
func (svr *Server) Serve(network, address, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	svr.listener = listener

	// Build the middleware chain once, not per request:
	// Chain(A, B, C)(handler) → A(B(C(handler))).
	svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatch)

	svr.advertiseAddr = advertiseAddr
	if reg != nil {
		svr.registry = reg
		for serviceName := range svr.serviceMap {
			if err := svr.registry.Register(serviceName, registry.ServiceInstance{
				Addr: advertiseAddr,
			}, 10); err != nil {
				svr.logger.Warn("registry registration failed",
					zap.String("service", serviceName), zap.Error(err))
			}
		}
	}

	go svr.reapLoop(svr.reapInterval)

	for {
		conn, err := listener.Accept()
		if err != nil {
			// During shutdown, closing the listener makes Accept fail; the
			// flag distinguishes that from a real error.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// handleConn reads frames sequentially (frame boundaries require a single
// reader) and dispatches each request frame to its own goroutine. The
// per-connection write mutex is shared by those goroutines so response frames
// never interleave.
func (svr *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return // connection closed or protocol error
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		go svr.handleRequest(header, body, conn, writeMu)
	}
}

// handleRequest drives one transport-level attempt through the invocation
// context's state machine and emits the response on this attempt's own
// connection. Winner or loser, every attempt that reaches this point answers
// its caller with the stored result.
func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	svr.wg.Add(1)
	defer svr.wg.Done()

	id := message.RequestIDFromBytes(header.RequestID)
	if id.IsZero() {
		svr.logger.Warn("request frame without request id dropped")
		return
	}

	rctx := svr.contextFor(id)
	inv := NewInvocator(id, codec.CodecType(header.CodecType))

	rctx.SetReadingParametersState(inv)
	decodeErr := inv.ReadParameters(body)

	if !inv.Aborted() {
		if err := rctx.SetInvokingMethodState(inv); err != nil {
			// Defect in the dispatch pipeline, not a client error. No
			// response: the attempt is abandoned.
			svr.logger.Error("illegal state transition",
				zap.String("request_id", id.String()), zap.Error(err))
			return
		}
	}

	if !inv.Aborted() {
		if decodeErr != nil {
			rctx.SetReturnValue(&message.Fault{
				Message: "malformed request: " + decodeErr.Error(),
			}, true)
		} else {
			resp := svr.handler(context.Background(), inv.Message())
			if resp.Error != "" {
				rctx.SetReturnValue(&message.Fault{Message: resp.Error}, true)
			} else {
				// Already-serialized reply; the context's payload codec
				// passes raw JSON through unchanged.
				rctx.SetReturnValue(json.RawMessage(resp.Payload), false)
			}
		}
	}

	rctx.WaitForInvocationToFinish()

	var buf bytes.Buffer
	if err := rctx.WriteAndLogResponse(&buf, id); err != nil {
		svr.logger.Warn("response emission failed",
			zap.String("request_id", id.String()), zap.Error(err))
		return
	}

	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq, // same seq as the request: the multiplexing key
		RequestID: header.RequestID,
		BodyLen:   uint32(buf.Len()),
	}
	writeMu.Lock()
	err := protocol.Encode(conn, &replyHeader, buf.Bytes())
	writeMu.Unlock()
	if err != nil {
		svr.logger.Warn("response write failed",
			zap.String("request_id", id.String()), zap.Error(err))
	}
}

// contextFor returns the invocation context for a logical request, creating
// it on first sight. Retried attempts land on the existing context, which is
// what makes at-most-once execution possible.
func (svr *Server) contextFor(id message.RequestID) *Context {
	svr.ctxMu.Lock()
	defer svr.ctxMu.Unlock()

	if c, ok := svr.contexts[id]; ok {
		return c
	}
	c := NewContext(&codec.JSONCodec{}, svr.lifetimes)
	c.SetCompressed(svr.compressed)
	if svr.audit != nil {
		c.SetAuditBuilder(svr.audit)
	}
	svr.contexts[id] = c
	return c
}

// dispatch is the innermost handler: it resolves "Service.Method", builds the
// argument and reply values by reflection, and invokes the method. The
// middleware chain wraps it.
func (svr *Server) dispatch(_ context.Context, req *message.RPCMessage) *message.RPCMessage {
	split := strings.Split(req.ServiceMethod, ".")
	if len(split) != 2 {
		return &message.RPCMessage{Error: "invalid service method format: " + req.ServiceMethod}
	}
	svc, ok := svr.serviceMap[split[0]]
	if !ok {
		return &message.RPCMessage{Error: "unknown service: " + split[0]}
	}
	mType, ok := svc.method[split[1]]
	if !ok {
		return &message.RPCMessage{Error: "unknown method: " + req.ServiceMethod}
	}

	argv := reflect.New(mType.ArgType)
	replyv := reflect.New(mType.ReplyType)

	if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
		return &message.RPCMessage{Error: "decode arguments: " + err.Error()}
	}

	methodErr := svc.call(mType, argv, replyv)

	replyPayload, err := json.Marshal(replyv.Interface())
	if err != nil {
		return &message.RPCMessage{Error: "encode reply: " + err.Error()}
	}

	resp := &message.RPCMessage{
		ServiceMethod: req.ServiceMethod,
		Payload:       replyPayload,
	}
	if methodErr != nil {
		resp.Error = methodErr.Error()
	}
	return resp
}

// Shutdown performs graceful shutdown: deregister from the registry first so
// clients stop routing here, then set the shutdown flag, close the listener,
// stop the reaper, and wait for in-flight attempts with a timeout.
func (svr *Server) Shutdown(timeout time.Duration) error {
	if svr.registry != nil {
		for serviceName := range svr.serviceMap {
			if err := svr.registry.Deregister(serviceName, svr.advertiseAddr); err != nil {
				svr.logger.Warn("registry deregistration failed",
					zap.String("service", serviceName), zap.Error(err))
			}
		}
	}

	// Flag before close, so the Accept error is recognized as intentional.
	svr.shutdown.Store(true)
	if svr.listener != nil {
		svr.listener.Close()
	}
	close(svr.reaperStop)

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for in-flight requests to finish")
	}
}
