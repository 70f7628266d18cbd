package chain

import (
	"context"
	"sync"
)

// DialFunc opens a client for an RPC URL.
type DialFunc func(ctx context.Context, rpcURL string) (*Client, error)

// Pool caches one client per RPC URL.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*Client
	dial    DialFunc
}

// NewPool creates a pool using dial to open connections.
func NewPool(dial DialFunc) *Pool {
	return &Pool{clients: make(map[string]*Client), dial: dial}
}

// DialerWithConfig returns a DialFunc that applies cfg's timeout and poll
// interval to every connection.
func DialerWithConfig(cfg Config) DialFunc {
	return func(ctx context.Context, rpcURL string) (*Client, error) {
		c := cfg
		c.RPCURL = rpcURL
		return Dial(ctx, c)
	}
}

// Get returns the cached client for rpcURL, dialing on first use. Failed
// dials are not cached. Dials run outside the pool lock; when two dials for
// one URL race, the first stored client wins.
func (p *Pool) Get(ctx context.Context, rpcURL string) (*Client, error) {
	p.mu.Lock()
	c, ok := p.clients[rpcURL]
	p.mu.Unlock()
	if ok {
		return c, nil
	}

	dialed, err := p.dial(ctx, rpcURL)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[rpcURL]; ok {
		return c, nil
	}
	p.clients[rpcURL] = dialed
	return dialed, nil
}
