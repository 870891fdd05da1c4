package s3block

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// connectionPool manages a bounded set of S3 clients. Adapted from the
// teacher's connection pool, trimmed of the S3-storage-tier health-check
// loop (the circuit breaker in internal/circuit already tracks backend
// health for this store).
type connectionPool struct {
	mu          sync.Mutex
	connections chan *s3.Client
	factory     func() (*s3.Client, error)
	maxSize     int
	currentSize int
	closed      bool
}

func newConnectionPool(maxSize int, factory func() (*s3.Client, error)) *connectionPool {
	if maxSize <= 0 {
		maxSize = 8
	}
	return &connectionPool{
		connections: make(chan *s3.Client, maxSize),
		factory:     factory,
		maxSize:     maxSize,
	}
}

func (p *connectionPool) Get() (*s3.Client, error) {
	select {
	case conn := <-p.connections:
		return conn, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errPoolClosed
	}
	if p.currentSize >= p.maxSize {
		p.mu.Unlock()
		select {
		case conn := <-p.connections:
			return conn, nil
		case <-time.After(30 * time.Second):
			return nil, errPoolExhausted
		}
	}
	p.currentSize++
	p.mu.Unlock()

	conn, err := p.factory()
	if err != nil {
		p.mu.Lock()
		p.currentSize--
		p.mu.Unlock()
		return nil, err
	}
	return conn, nil
}

func (p *connectionPool) Put(conn *s3.Client) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	select {
	case p.connections <- conn:
	default:
		p.mu.Lock()
		p.currentSize--
		p.mu.Unlock()
	}
}

func (p *connectionPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.connections)
}

func (p *connectionPool) withClient(ctx context.Context, fn func(*s3.Client) error) error {
	conn, err := p.Get()
	if err != nil {
		return err
	}
	defer p.Put(conn)
	return fn(conn)
}
