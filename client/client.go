// Package client implements the RPC client: registry discovery, load
// balancing, multiplexed transport pooling, and the retry loop.
//
// Retries live here, not on the server. One Call generates one logical
// request id and re-sends it on every attempt, so a slow-but-alive server
// recognizes the duplicate, executes the method at most once, and answers
// every attempt from the stored result.
package client

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"stream-rpc/codec"
	"stream-rpc/loadbalance"
	"stream-rpc/message"
	"stream-rpc/protocol"
	"stream-rpc/registry"
	"stream-rpc/transport"
)

// RetryPolicy controls how Call handles attempt timeouts and transport
// failures: up to MaxRetries additional attempts with exponential backoff
// starting at BaseDelay. Handler-level faults are never retried — the method
// already ran.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

func (p RetryPolicy) backoff(retry int) time.Duration {
	return p.BaseDelay * time.Duration(1<<retry)
}

// Client issues RPC calls against instances discovered through the registry.
type Client struct {
	registry   registry.Registry
	balancer   loadbalance.Balancer
	transports map[string]chan *transport.ClientTransport // per-address transport pool
	codecType  codec.CodecType
	mu         sync.Mutex
	poolSize   int

	compressed  bool // must mirror the server's response compression setting
	callTimeout time.Duration
	retry       RetryPolicy
	logger      *zap.Logger
}

// NewClient creates a client with compression on, a 5s per-attempt timeout,
// and two retries with 100ms base backoff.
func NewClient(reg registry.Registry, bal loadbalance.Balancer, codecType byte, poolSize int) *Client {
	return &Client{
		registry:    reg,
		balancer:    bal,
		transports:  make(map[string]chan *transport.ClientTransport),
		codecType:   codec.CodecType(codecType),
		poolSize:    poolSize,
		compressed:  true,
		callTimeout: 5 * time.Second,
		retry:       RetryPolicy{MaxRetries: 2, BaseDelay: 100 * time.Millisecond},
		logger:      zap.NewNop(),
	}
}

// SetCompressed must match the server's response compression setting; the
// response record carries no marker.
func (c *Client) SetCompressed(compressed bool) {
	c.compressed = compressed
}

// SetCallTimeout sets the per-attempt response timeout.
func (c *Client) SetCallTimeout(d time.Duration) {
	c.callTimeout = d
}

// SetRetryPolicy replaces the default retry policy.
func (c *Client) SetRetryPolicy(p RetryPolicy) {
	c.retry = p
}

// SetLogger replaces the no-op default.
func (c *Client) SetLogger(logger *zap.Logger) {
	c.logger = logger
}

func (c *Client) getTransport(addr string) (*transport.ClientTransport, error) {
	c.mu.Lock()
	pool, ok := c.transports[addr]
	if !ok {
		pool = make(chan *transport.ClientTransport, c.poolSize)
		c.transports[addr] = pool
	}
	c.mu.Unlock()

	if !ok {
		for i := 0; i < c.poolSize; i++ {
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				return nil, err
			}
			pool <- transport.NewClientTransport(conn, c.codecType)
		}
	}
	return <-pool, nil
}

func (c *Client) putTransport(addr string, t *transport.ClientTransport) {
	c.transports[addr] <- t
}

// Call invokes serviceMethod ("Service.Method") with args and decodes the
// reply into reply. Attempts that time out or fail at the transport level are
// retried with the same request id; the last error is returned when every
// attempt failed.
func (c *Client) Call(serviceMethod string, args any, reply any) error {
	split := strings.Split(serviceMethod, ".")
	if len(split) != 2 {
		return fmt.Errorf("invalid serviceMethod format: %v", serviceMethod)
	}
	serviceName := split[0]

	instances, err := c.registry.Discover(serviceName)
	if err != nil {
		return err
	}

	id := message.NewRequestID()
	var lastErr error

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retry.backoff(attempt - 1)
			c.logger.Debug("retrying call",
				zap.String("service_method", serviceMethod),
				zap.String("request_id", id.String()),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay))
			time.Sleep(delay)
		}

		instance, err := c.balancer.Pick(instances)
		if err != nil {
			return err
		}
		t, err := c.getTransport(instance.Addr)
		if err != nil {
			lastErr = err
			continue
		}

		seq, ch, err := t.Send(id, serviceMethod, args)
		if err != nil {
			c.putTransport(instance.Addr, t)
			lastErr = err
			continue
		}

		select {
		case resp := <-ch:
			c.putTransport(instance.Addr, t)
			if resp.Err != nil {
				lastErr = resp.Err
				continue
			}
			return c.decodeReply(resp.Body, reply)
		case <-time.After(c.callTimeout):
			// Abandon this attempt; the next one re-sends the same request
			// id and the server's context arbitration does the rest.
			t.Forget(seq)
			c.putTransport(instance.Addr, t)
			lastErr = fmt.Errorf("attempt %d timed out after %v", attempt, c.callTimeout)
		}
	}
	return lastErr
}

// decodeReply splits the response record and either fills reply or surfaces
// the fault as an error.
func (c *Client) decodeReply(body []byte, reply any) error {
	status, payload, err := protocol.DecodeResponseRecord(body, c.compressed)
	if err != nil {
		return err
	}
	if status == protocol.StatusFault {
		var fault message.Fault
		if err := json.Unmarshal(payload, &fault); err != nil {
			return fmt.Errorf("rpc fault (undecodable payload: %v)", err)
		}
		return fmt.Errorf("rpc fault: %s", fault.Message)
	}
	return json.Unmarshal(payload, reply)
}
