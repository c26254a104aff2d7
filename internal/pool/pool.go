package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrPoolExhausted is returned when no handle becomes free within the
// acquisition timeout. Retryable after backoff.
var ErrPoolExhausted = errors.New("pool exhausted")

// Conn is one reusable handle to the external collaborator's transport.
type Conn interface {
	Ping(ctx context.Context) error
	Close() error
}

// Factory dials a new connection.
type Factory func(ctx context.Context) (Conn, error)

type Config struct {
	Size           int
	AcquireTimeout time.Duration
	CheckInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{Size: 4, AcquireTimeout: 5 * time.Second, CheckInterval: 30 * time.Second}
}

type pooled struct {
	conn    Conn
	lastUse time.Time
}

// Pool maintains a bounded set of reusable handles with periodic health
// checks and transparent reconnection. Acquisition blocks with a timeout
// when exhausted rather than growing unbounded.
type Pool struct {
	cfg     Config
	factory Factory
	logger  *log.Logger

	idle chan *pooled

	mu     sync.Mutex
	open   int
	closed bool

	stopOnce sync.Once
	stop     chan struct{}
}

func New(cfg Config, factory Factory, logger *log.Logger) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = DefaultConfig().Size
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultConfig().AcquireTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	p := &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		idle:    make(chan *pooled, cfg.Size),
		stop:    make(chan struct{}),
	}
	if cfg.CheckInterval > 0 {
		go p.healthLoop()
	}
	return p
}

// Acquire returns a healthy handle, dialing lazily up to the pool size.
// When every handle is busy the caller blocks until one frees up or the
// acquire timeout elapses, failing with ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	select {
	case pc := <-p.idle:
		return pc.conn, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("pool closed")
	}
	if p.open < p.cfg.Size {
		p.open++
		p.mu.Unlock()
		conn, err := p.factory(ctx)
		if err != nil {
			p.mu.Lock()
			p.open--
			p.mu.Unlock()
			return nil, fmt.Errorf("dial: %w", err)
		}
		return conn, nil
	}
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()
	select {
	case pc := <-p.idle:
		return pc.conn, nil
	case <-timer.C:
		return nil, fmt.Errorf("no handle free after %s: %w", p.cfg.AcquireTimeout, ErrPoolExhausted)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a handle to the pool.
func (p *Pool) Release(conn Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		_ = conn.Close()
		return
	}
	select {
	case p.idle <- &pooled{conn: conn, lastUse: time.Now()}:
	default:
		// Pool already full of idle handles; drop the surplus.
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		_ = conn.Close()
	}
}

// Discard drops a broken handle so a fresh one can be dialed.
func (p *Pool) Discard(conn Conn) {
	if conn != nil {
		_ = conn.Close()
	}
	p.mu.Lock()
	p.open--
	p.mu.Unlock()
}

// healthLoop pings idle handles and replaces the dead ones.
func (p *Pool) healthLoop() {
	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
		n := len(p.idle)
		for i := 0; i < n; i++ {
			var pc *pooled
			select {
			case pc = <-p.idle:
			default:
			}
			if pc == nil {
				break
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := pc.conn.Ping(ctx)
			cancel()
			if err != nil {
				p.logger.Printf("pool: handle failed health check, discarding: %v", err)
				p.Discard(pc.conn)
				continue
			}
			p.Release(pc.conn)
		}
	}
}

// Close drains and closes all idle handles.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	for {
		select {
		case pc := <-p.idle:
			_ = pc.conn.Close()
		default:
			return
		}
	}
}

// InUse reports how many handles are currently dialed.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open - len(p.idle)
}
