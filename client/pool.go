package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Neoteroi/BlackSheep-sub001/internal/obs"
)

// DialFunc establishes the transport socket for one pool. Tests and
// embedders may replace it; the default dials TCP and negotiates TLS
// for https authorities.
type DialFunc func(ctx context.Context) (net.Conn, error)

// ConnectionPool caches idle connections for one (scheme, host, port)
// authority. The idle set is a bounded buffered channel, so Get and
// tryReturn are safe under concurrent callers without extra locking.
type ConnectionPool struct {
	Scheme string
	Host   string
	Port   int

	idle     chan *ClientConnection
	dial     DialFunc
	disposed atomic.Bool
	created  atomic.Int64

	// active holds connections currently handed to callers, so Dispose
	// can close in-flight exchanges too.
	mu     sync.Mutex
	active map[*ClientConnection]struct{}

	log   obs.Logger
	meter obs.Meter
}

const defaultPoolSize = 8

// NewConnectionPool builds a pool for one authority. tlsConfig is only
// consulted for https; maxSize <= 0 selects the default.
func NewConnectionPool(scheme, host string, port, maxSize int, tlsConfig *tls.Config, dialTimeout time.Duration, log obs.Logger, meter obs.Meter) *ConnectionPool {
	if maxSize <= 0 {
		maxSize = defaultPoolSize
	}
	if log == nil {
		log = obs.NopLogger{}
	}
	if meter == nil {
		meter = obs.NopMeter{}
	}
	p := &ConnectionPool{
		Scheme: scheme,
		Host:   host,
		Port:   port,
		idle:   make(chan *ClientConnection, maxSize),
		active: make(map[*ClientConnection]struct{}),
		log:    log,
		meter:  meter,
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	p.dial = func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: dialTimeout}
		if scheme != "https" {
			return d.DialContext(ctx, "tcp", addr)
		}
		cfg := tlsConfig
		if cfg == nil {
			cfg = secureTLSConfig()
		}
		if cfg.ServerName == "" {
			cfg = cfg.Clone()
			cfg.ServerName = host
		}
		td := tls.Dialer{NetDialer: &d, Config: cfg}
		return td.DialContext(ctx, "tcp", addr)
	}
	return p
}

// SetDial replaces the socket factory. Must be called before use.
func (p *ConnectionPool) SetDial(d DialFunc) { p.dial = d }

// CreatedCount returns how many connections this pool has dialed.
func (p *ConnectionPool) CreatedCount() int64 { return p.created.Load() }

// Get pops an idle connection, discarding any found dead, and dials a
// fresh one when the idle set is exhausted. A fresh connection never
// enters the idle set first: the caller is about to use it.
func (p *ConnectionPool) Get(ctx context.Context) (*ClientConnection, error) {
	if p.disposed.Load() {
		return nil, ErrPoolDisposed
	}
	for {
		select {
		case c := <-p.idle:
			if c.isAlive() {
				if !p.track(c) {
					_ = c.Close()
					return nil, ErrPoolDisposed
				}
				c.setState(StateAwaitingReady)
				p.meter.Counter("webclient_conn_reuse_total", 1)
				return c, nil
			}
			// Peer-side idle timeout closed it underneath us.
			p.meter.Counter("webclient_conn_idle_closed_total", 1)
			_ = c.Close()
			continue
		default:
		}
		break
	}
	nc, err := p.dial(ctx)
	if err != nil {
		p.log.Logf(obs.Warn, "dial %s://%s:%d failed: %v", p.Scheme, p.Host, p.Port, err)
		return nil, err
	}
	p.created.Add(1)
	p.meter.Counter("webclient_conn_dial_total", 1)
	c := newClientConnection(nc, p, p.log)
	if !p.track(c) {
		_ = c.Close()
		return nil, ErrPoolDisposed
	}
	c.setState(StateAwaitingReady)
	return c, nil
}

// track records a connection handed to a caller so Dispose can reach
// in-flight exchanges. It reports false when the pool was disposed in
// the meantime.
func (p *ConnectionPool) track(c *ClientConnection) bool {
	p.mu.Lock()
	p.active[c] = struct{}{}
	p.mu.Unlock()
	if p.disposed.Load() {
		p.untrack(c)
		return false
	}
	return true
}

func (p *ConnectionPool) untrack(c *ClientConnection) {
	p.mu.Lock()
	delete(p.active, c)
	p.mu.Unlock()
}

// tryReturn inserts an idle connection without blocking. It reports
// false when the pool is full or disposed, in which case the caller
// contract is to close the connection.
func (p *ConnectionPool) tryReturn(c *ClientConnection) bool {
	if p.disposed.Load() {
		return false
	}
	select {
	case p.idle <- c:
	default:
		return false
	}
	p.untrack(c)
	if p.disposed.Load() {
		// Raced with Dispose: make sure nothing stays open.
		p.drain()
	}
	return true
}

// Dispose closes every idle and in-flight connection and marks the
// pool dead. Subsequent returns silently no-op; exchanges in flight
// fail with a connection closed error.
func (p *ConnectionPool) Dispose() {
	if p.disposed.Swap(true) {
		return
	}
	p.drain()
	p.mu.Lock()
	active := make([]*ClientConnection, 0, len(p.active))
	for c := range p.active {
		active = append(active, c)
	}
	p.active = make(map[*ClientConnection]struct{})
	p.mu.Unlock()
	for _, c := range active {
		_ = c.Close()
	}
}

func (p *ConnectionPool) drain() {
	for {
		select {
		case c := <-p.idle:
			_ = c.Close()
		default:
			return
		}
	}
}

// pruneIdle closes idle connections unused for longer than maxIdle and
// puts the rest back.
func (p *ConnectionPool) pruneIdle(maxIdle time.Duration) {
	if maxIdle <= 0 || p.disposed.Load() {
		return
	}
	now := time.Now()
	n := len(p.idle)
	for i := 0; i < n; i++ {
		select {
		case c := <-p.idle:
			c.mu.Lock()
			stale := now.Sub(c.lastUse) > maxIdle
			c.mu.Unlock()
			if stale {
				p.meter.Counter("webclient_conn_idle_closed_total", 1)
				_ = c.Close()
				continue
			}
			if !p.tryReturn(c) {
				_ = c.Close()
			}
		default:
			return
		}
	}
}

// PoolRegistry routes a request authority to its ConnectionPool,
// creating pools lazily. Only http and https are recognized.
type PoolRegistry struct {
	MaxSize         int
	DialTimeout     time.Duration
	IdleConnTimeout time.Duration
	TLSConfig       *tls.Config

	log   obs.Logger
	meter obs.Meter

	mu    sync.Mutex
	pools map[string]*ConnectionPool
	stop  chan struct{}
	once  sync.Once
}

// NewPoolRegistry returns a registry with a 5s dial timeout and 30s
// idle pruning. Both can be adjusted before the first GetPool.
func NewPoolRegistry(maxSize int, tlsConfig *tls.Config, log obs.Logger, meter obs.Meter) *PoolRegistry {
	if log == nil {
		log = obs.NopLogger{}
	}
	if meter == nil {
		meter = obs.NopMeter{}
	}
	return &PoolRegistry{
		MaxSize:         maxSize,
		DialTimeout:     5 * time.Second,
		IdleConnTimeout: 30 * time.Second,
		TLSConfig:       tlsConfig,
		log:             log,
		meter:           meter,
		pools:           make(map[string]*ConnectionPool),
	}
}

// GetPool resolves the pool for u's authority, applying default ports.
// Unsupported schemes are rejected, never silently defaulted.
func (r *PoolRegistry) GetPool(u *url.URL) (*ConnectionPool, error) {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	port := 80
	if scheme == "https" {
		port = 443
	}
	if ps := u.Port(); ps != "" {
		n, err := strconv.Atoi(ps)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("client: invalid port %q", ps)
		}
		port = n
	}
	key := scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port))

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pools == nil {
		r.pools = make(map[string]*ConnectionPool)
	}
	if p, ok := r.pools[key]; ok {
		return p, nil
	}
	p := NewConnectionPool(scheme, host, port, r.MaxSize, r.TLSConfig, r.DialTimeout, r.log, r.meter)
	r.pools[key] = p
	r.once.Do(r.startPrune)
	return p, nil
}

// startPrune launches the shared idle-pruning ticker. Stopped by
// Dispose. Callers hold r.mu.
func (r *PoolRegistry) startPrune() {
	if r.IdleConnTimeout <= 0 {
		return
	}
	r.stop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.mu.Lock()
				pools := make([]*ConnectionPool, 0, len(r.pools))
				for _, p := range r.pools {
					pools = append(pools, p)
				}
				r.mu.Unlock()
				for _, p := range pools {
					p.pruneIdle(r.IdleConnTimeout)
				}
			case <-r.stop:
				return
			}
		}
	}()
}

// Dispose tears down every pool and stops the pruning ticker.
func (r *PoolRegistry) Dispose() {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]*ConnectionPool)
	stop := r.stop
	r.stop = nil
	r.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	for _, p := range pools {
		p.Dispose()
	}
}
