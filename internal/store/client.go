package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Lewxa2011/FireNet/internal/config"
)

// ErrClientClosed is returned for calls made after Close.
var ErrClientClosed = errors.New("store: client closed")

// Client is a Store backed by a stored gateway over one websocket.
// Writes are serialized through a mutex (one writer goroutine per socket is
// gorilla's contract); responses are matched to requests by frame id.
type Client struct {
	conn        *websocket.Conn
	callTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan frame
	closed  bool
	readErr error
}

var _ Store = (*Client)(nil)

// Dial connects to the stored gateway.
func Dial(ctx context.Context, cfg config.StoreConfig) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, cfg.GatewayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial store gateway %s: %w", cfg.GatewayURL, err)
	}
	c := &Client{
		conn:        conn,
		callTimeout: cfg.CallTimeout,
		pending:     make(map[uint64]chan frame),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.failAll(err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		if ok {
			delete(c.pending, f.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	}
}

// failAll unblocks every in-flight call after the socket dies.
func (c *Client) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = err
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}

func (c *Client) call(ctx context.Context, req frame) (frame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return frame{}, ErrClientClosed
	}
	c.nextID++
	req.ID = c.nextID
	ch := make(chan frame, 1)
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return frame{}, fmt.Errorf("store %s %s: %w", req.Op, req.Path, err)
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			readErr := c.readErr
			c.mu.Unlock()
			return frame{}, fmt.Errorf("store %s %s: connection lost: %w", req.Op, req.Path, readErr)
		}
		if resp.Error != "" {
			return frame{}, fmt.Errorf("store %s %s: %s", req.Op, req.Path, resp.Error)
		}
		return resp, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return frame{}, fmt.Errorf("store %s %s: timeout after %s", req.Op, req.Path, c.callTimeout)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return frame{}, ctx.Err()
	}
}

func (c *Client) Set(ctx context.Context, path string, value any) error {
	_, err := c.call(ctx, frame{Op: opSet, Path: path, Value: value})
	return err
}

func (c *Client) Update(ctx context.Context, patch map[string]any) error {
	_, err := c.call(ctx, frame{Op: opUpdate, Patch: patch})
	return err
}

func (c *Client) Remove(ctx context.Context, path string) error {
	_, err := c.call(ctx, frame{Op: opRemove, Path: path})
	return err
}

func (c *Client) Get(ctx context.Context, path string) (any, error) {
	resp, err := c.call(ctx, frame{Op: opGet, Path: path})
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (c *Client) Push(ctx context.Context, path string, value any) (string, error) {
	resp, err := c.call(ctx, frame{Op: opPush, Path: path, Value: value})
	if err != nil {
		return "", err
	}
	return resp.Key, nil
}

func (c *Client) Query(ctx context.Context, path string, q Query) ([]Entry, error) {
	resp, err := c.call(ctx, frame{Op: opQuery, Path: path, Query: &q})
	if err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *Client) OnDisconnect(ctx context.Context, op DisconnectOp) error {
	_, err := c.call(ctx, frame{Op: opOnDisconnect, Disc: &op})
	return err
}

func (c *Client) ClearOnDisconnect(ctx context.Context) error {
	_, err := c.call(ctx, frame{Op: opClearDisc})
	return err
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}
