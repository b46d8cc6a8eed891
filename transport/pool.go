// Connection pool for callers that want exclusive (non-multiplexed) use of a
// connection, one request at a time per conn. The Client's default path is
// the shared multiplexed transport pool; this borrow/return pool is the
// alternative for workloads where head-of-line isolation matters more than
// connection count.
//
// A buffered channel serves as the pool: FIFO, goroutine-safe, and blocking
// on empty comes for free.
package transport

import (
	"fmt"
	"net"
	"sync"
)

// ConnPool manages reusable TCP connections to a single address.
type ConnPool struct {
	mu       sync.Mutex
	conns    chan *PoolConn
	addr     string
	maxConns int
	curConns int // created so far, may be < maxConns
	factory  func() (net.Conn, error)
}

// PoolConn wraps a net.Conn with pool bookkeeping.
type PoolConn struct {
	net.Conn
	pool     *ConnPool
	unusable bool // set when the connection saw an error
}

// MarkUnusable flags the connection so Put closes it instead of recycling.
func (c *PoolConn) MarkUnusable() {
	c.unusable = true
}

// NewConnPool creates a lazily-filled pool with the given limit.
func NewConnPool(addr string, maxConns int, factory func() (net.Conn, error)) *ConnPool {
	return &ConnPool{
		conns:    make(chan *PoolConn, maxConns),
		addr:     addr,
		maxConns: maxConns,
		factory:  factory,
	}
}

// Get retrieves a connection: an idle one if available, a new one while under
// the limit, otherwise it blocks until a connection is returned.
func (p *ConnPool) Get() (*PoolConn, error) {
	select {
	case conn := <-p.conns:
		if conn.unusable {
			conn.Close()
			p.mu.Lock()
			p.curConns--
			p.mu.Unlock()
			return p.createNew()
		}
		return conn, nil
	default:
		if p.curConns < p.maxConns {
			return p.createNew()
		}
		conn := <-p.conns
		return conn, nil
	}
}

// Put returns a connection to the pool, closing it if it was marked unusable.
func (p *ConnPool) Put(conn *PoolConn) {
	if conn.unusable {
		conn.Close()
		p.mu.Lock()
		p.curConns--
		p.mu.Unlock()
		return
	}
	p.conns <- conn
}

// Close shuts down the pool and all pooled connections.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.conns)
	for conn := range p.conns {
		conn.Close()
		p.curConns--
	}
	return nil
}

func (p *ConnPool) createNew() (*PoolConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.curConns >= p.maxConns {
		return nil, fmt.Errorf("connection pool exhausted")
	}
	netConn, err := p.factory()
	if err != nil {
		return nil, err
	}
	p.curConns++
	return &PoolConn{Conn: netConn, pool: p}, nil
}
