package server

import (
	"errors"
	"io"
	"sync"
	"time"

	"stream-rpc/codec"
	"stream-rpc/message"
	"stream-rpc/protocol"
	"stream-rpc/stream"
)

// Invocation lifecycle states. The state only moves forward; an attempt that
// has to wait does so without winding the state back.
const (
	createdState = iota
	readingParametersState
	invokingMethodState
	finishedState
)

// ErrInvalidTransition is returned when an invocator requests the invoking
// state on a context still in the created state. That can only happen when
// the dispatch layer skipped parameter registration: a defect upstream, not
// a condition to retry.
var ErrInvalidTransition = errors.New("invoking state requested before parameters were registered")

// Lifetimes holds the expiration thresholds for an invocation context.
// A finished context survives GraceAfterFinish past its last activity so late
// duplicate attempts can still be answered from the stored result; no context
// survives MaxLifetime regardless of state.
type Lifetimes struct {
	GraceAfterFinish time.Duration
	MaxLifetime      time.Duration
}

// DefaultLifetimes are the production thresholds: two minutes of grace after
// finishing, ten minutes absolute.
var DefaultLifetimes = Lifetimes{
	GraceAfterFinish: 120 * time.Second,
	MaxLifetime:      600 * time.Second,
}

// Context tracks one logical request from the first parameter byte to the
// emitted response. All transport-level attempts at the request (the original
// call plus any client retries) share one Context, which arbitrates between
// them: exactly one invocator ever executes the method, every other attempt
// is aborted and answered from the stored result.
//
// All state lives behind one mutex; the condition variable wakes both result
// consumers and attempts that blocked while another invocator was executing.
// Response emission does blocking I/O and therefore runs outside the lock, on
// a snapshot of the already-immutable result.
type Context struct {
	mu   sync.Mutex
	cond *sync.Cond

	state           int
	returnValue     any
	exceptionThrown bool
	lastSignOfLife  time.Time

	compressed bool
	invocators []*Invocator // nil once finished: released, never read again
	audit      stream.Builder

	payloadCodec codec.Codec
	lifetimes    Lifetimes
}

// NewContext creates a context in the created state. payloadCodec serializes
// the return value (and fault) during emission, the same codec that
// serialized the request parameters.
func NewContext(payloadCodec codec.Codec, lifetimes Lifetimes) *Context {
	c := &Context{
		state:          createdState,
		compressed:     true,
		lastSignOfLife: time.Now(),
		payloadCodec:   payloadCodec,
		lifetimes:      lifetimes,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// ReturnValue returns the published result. Meaningful only once
// IsInvocationFinished reports true; the value never changes afterwards.
func (c *Context) ReturnValue() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.returnValue
}

func (c *Context) IsCreatedState() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == createdState
}

func (c *Context) IsReadingParameters() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == readingParametersState
}

func (c *Context) IsInvokingMethod() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == invokingMethodState
}

func (c *Context) IsInvocationFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == finishedState
}

// SetCompressed configures whether the response payload goes through the
// deflate filter. Both ends must agree; the record carries no marker.
// Configure before emission.
func (c *Context) SetCompressed(compressed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compressed = compressed
}

// SetAuditBuilder installs the audit sink factory. A nil builder means no
// auditing. Configure before emission.
func (c *Context) SetAuditBuilder(b stream.Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audit = b
}

// SetReadingParametersState registers a transport-level attempt with the
// context. Idempotent per invocator: re-registering only refreshes the
// activity timestamp. After the invocation finished the call is a no-op:
// the invocator collection has been released and the attempt will be answered
// from the stored result.
func (c *Context) SetReadingParametersState(inv *Invocator) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == finishedState {
		return
	}
	for _, registered := range c.invocators {
		if registered == inv {
			c.lastSignOfLife = time.Now()
			return
		}
	}
	c.invocators = append(c.invocators, inv)
	if c.state == createdState {
		c.state = readingParametersState
	}
	c.lastSignOfLife = time.Now()
}

// SetInvokingMethodState is how an invocator claims the right to execute the
// method. The first attempt to call it from the reading-parameters state wins
// and every other registered invocator is marked aborted. An attempt that
// arrives while the winner is still executing blocks until the result is
// published and is then marked aborted WITHOUT re-checking the state: whoever
// had to wait has, by definition, lost the race. An attempt arriving after
// the finish is aborted immediately.
func (c *Context) SetInvokingMethodState(inv *Invocator) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case readingParametersState:
		if len(c.invocators) > 1 {
			c.abortOtherInvocators(inv)
		}
		c.state = invokingMethodState
		c.lastSignOfLife = time.Now()
	case invokingMethodState:
		// Woken only by the broadcast in SetReturnValue. Deliberately no
		// state re-check on wake.
		c.cond.Wait()
		inv.SetAbortInvocation()
	case finishedState:
		inv.SetAbortInvocation()
	case createdState:
		return ErrInvalidTransition
	}
	return nil
}

// abortOtherInvocators marks every registered attempt except the winner as
// aborted. Aborted invocators notice the flag in their own goroutine and stop
// without publishing a result. Caller holds the lock.
func (c *Context) abortOtherInvocators(winner *Invocator) {
	for _, inv := range c.invocators {
		if inv != winner {
			inv.SetAbortInvocation()
		}
	}
}

// WaitForInvocationToFinish blocks until the result has been published,
// returning immediately if it already was.
func (c *Context) WaitForInvocationToFinish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.state != finishedState {
		c.cond.Wait()
	}
}

// SetReturnValue publishes the result: it stores the value and the fault
// flag, moves the context to the finished state, releases the invocator
// collection, and wakes every waiter. It is the single synchronization point
// of the invocation: everything that happened before it is visible to every
// goroutine it wakes. Calls after the first are ignored; the published result
// never changes.
func (c *Context) SetReturnValue(returnValue any, exceptionThrown bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == finishedState {
		return
	}
	c.returnValue = returnValue
	c.exceptionThrown = exceptionThrown
	c.state = finishedState
	c.lastSignOfLife = time.Now()
	c.invocators = nil
	c.cond.Broadcast()
}

// IsExpired reports whether an external reaper may reclaim this context:
// either it finished and sat idle past the grace window, or it has been alive
// past the absolute ceiling regardless of state. A context stuck mid-invocation
// under the ceiling is never expired; its invocator may merely be slow.
func (c *Context) IsExpired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.lastSignOfLife)
	return (c.state == finishedState && elapsed > c.lifetimes.GraceAfterFinish) ||
		elapsed > c.lifetimes.MaxLifetime
}

// WriteAndLogResponse emits exactly one response record to w and, when an
// audit builder is configured, an identical header-prefixed copy to the audit
// sink. It must only be called once the invocation finished; it runs entirely
// outside the context lock, on a snapshot of the immutable result.
//
// The audit record is: one AuditRecordHeader byte, the 16 raw request id
// bytes, then byte-for-byte the response record as written to w. The audit
// record writer is closed on every path, including emission failure.
func (c *Context) WriteAndLogResponse(w io.Writer, id message.RequestID) error {
	c.mu.Lock()
	returnValue := c.returnValue
	exceptionThrown := c.exceptionThrown
	compressed := c.compressed
	audit := c.audit
	c.mu.Unlock()

	if audit == nil {
		return c.writeResponse(w, returnValue, exceptionThrown, compressed)
	}

	record, err := audit.NewRecordWriter()
	if err != nil {
		return err
	}
	defer record.Close()

	if _, err := record.Write([]byte{protocol.AuditRecordHeader}); err != nil {
		return err
	}
	idBytes := id.Bytes()
	if _, err := record.Write(idBytes[:]); err != nil {
		return err
	}
	return c.writeResponse(stream.NewCopyWriter(w, record), returnValue, exceptionThrown, compressed)
}

// writeResponse writes the response record: one status byte, then the
// serialized return value (or fault), deflated when compression is on. The
// deflate filter is always finished, even when serialization fails midway,
// so the record stays self-terminating.
func (c *Context) writeResponse(w io.Writer, returnValue any, exceptionThrown, compressed bool) error {
	status := protocol.StatusOK
	if exceptionThrown {
		status = protocol.StatusFault
	}
	if _, err := w.Write([]byte{status}); err != nil {
		return err
	}

	payload, err := c.payloadCodec.Encode(returnValue)
	if err != nil {
		return err
	}

	if !compressed {
		_, err := w.Write(payload)
		return err
	}

	zw, err := stream.NewFlateWriter(w)
	if err != nil {
		return err
	}
	if _, err := zw.Write(payload); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}
