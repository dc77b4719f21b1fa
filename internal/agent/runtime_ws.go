package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/improvstage/internal/protocol"
	"github.com/ent0n29/improvstage/internal/reliability"
)

const (
	wsDialAttempts   = 3
	wsDialBackoff    = 150 * time.Millisecond
	wsDialBackoffCap = time.Second
	wsWriteTimeout   = 5 * time.Second
)

// WSRuntime speaks JSON frames over a websocket: one "run" frame out, then
// protocol.Frame events back until done or error. Connections are pooled per
// runtime session and reused across turns.
type WSRuntime struct {
	url    string
	dialer websocket.Dialer

	mu   sync.Mutex
	pool map[string]*pooledWSConn
}

type runFrame struct {
	Type string `json:"type"`
	RunRequest
}

func NewWSRuntime(rawURL string) (*WSRuntime, error) {
	u, err := normalizeWSURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &WSRuntime{
		url: u,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 4 * time.Second,
		},
		pool: make(map[string]*pooledWSConn),
	}, nil
}

func normalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("agent runtime websocket url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid websocket url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported websocket url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func (r *WSRuntime) Stream(ctx context.Context, req RunRequest, onEvent EventHandler) error {
	key := req.RuntimeSessionID
	if key == "" {
		key = req.Key.String()
	}
	pc := r.pooled(key)
	err := pc.stream(ctx, r, req, onEvent)
	if err != nil {
		r.drop(key, pc)
	}
	return err
}

// Close drops every pooled connection.
func (r *WSRuntime) Close() {
	r.mu.Lock()
	pool := r.pool
	r.pool = make(map[string]*pooledWSConn)
	r.mu.Unlock()
	for _, pc := range pool {
		pc.close()
	}
}

func (r *WSRuntime) pooled(key string) *pooledWSConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	pc, ok := r.pool[key]
	if !ok {
		pc = &pooledWSConn{}
		r.pool[key] = pc
	}
	return pc
}

func (r *WSRuntime) drop(key string, pc *pooledWSConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pool[key] == pc {
		delete(r.pool, key)
	}
}

func (r *WSRuntime) dial(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < wsDialAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, wsDialBackoff, wsDialBackoffCap)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		conn, res, err := r.dialer.DialContext(ctx, r.url, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if res != nil && !reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return nil, &reliability.HTTPStatusError{Service: "agent runtime websocket", Code: res.StatusCode}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("dial agent runtime websocket: %w", lastErr)
}

// pooledWSConn runs one request at a time on a reusable connection.
type pooledWSConn struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	reader *wsReader
}

func (p *pooledWSConn) stream(ctx context.Context, r *WSRuntime, req RunRequest, onEvent EventHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		conn, err := r.dial(ctx)
		if err != nil {
			return err
		}
		p.conn = conn
		p.reader = newWSReader(conn)
	}

	err := p.run(ctx, req, onEvent)
	if err != nil {
		// A canceled run may still have frames in flight; never reuse it.
		p.closeLocked()
	}
	return err
}

func (p *pooledWSConn) run(ctx context.Context, req RunRequest, onEvent EventHandler) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	err := p.conn.WriteJSON(runFrame{Type: "run", RunRequest: req})
	_ = p.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("write run frame: %w", err)
	}

	for {
		data, err := p.reader.next(ctx)
		if err != nil {
			return err
		}
		ev, err := protocol.ParseEvent(data)
		if errors.Is(err, protocol.ErrUnsupportedType) {
			continue
		}
		if err != nil {
			return err
		}
		switch e := ev.(type) {
		case protocol.Done:
			return nil
		case protocol.ErrorEvent:
			return e
		}
		if onEvent != nil {
			if err := onEvent(ev); err != nil {
				return err
			}
		}
	}
}

func (p *pooledWSConn) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *pooledWSConn) closeLocked() {
	if p.reader != nil {
		p.reader.stop()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn = nil
	p.reader = nil
}

type wsReader struct {
	msgs     chan []byte
	errs     chan error
	done     chan struct{}
	stopOnce sync.Once
	exited   chan struct{}
}

func newWSReader(conn *websocket.Conn) *wsReader {
	r := &wsReader{
		msgs:   make(chan []byte, 256),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go func() {
		defer close(r.exited)
		defer close(r.msgs)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				r.errs <- err
				return
			}
			select {
			case r.msgs <- data:
			case <-r.done:
				return
			}
		}
	}()
	return r
}

// stop releases the read loop even when nobody drains msgs.
func (r *wsReader) stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

func (r *wsReader) next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-r.msgs:
		if !ok {
			select {
			case err := <-r.errs:
				if err != nil {
					return nil, err
				}
			default:
			}
			return nil, errors.New("agent runtime websocket closed")
		}
		return data, nil
	}
}
