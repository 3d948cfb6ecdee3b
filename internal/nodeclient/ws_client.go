package nodeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

var ErrConnectionClosed = errors.New("websocket connection closed")

type WSOptions struct {
	// CallTimeout bounds a call whose context carries no deadline.
	CallTimeout time.Duration
	ReadLimit   int64
}

type envelope struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params any             `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *responseError  `json:"error,omitempty"`
}

type responseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// WSUnit speaks JSON-RPC over a websocket. A background read loop routes
// responses to their callers and processes pong frames, so Ping works while a
// call is waiting.
type WSUnit struct {
	url  string
	opts WSOptions

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  int64
	pending map[int64]chan envelope

	cancel   context.CancelFunc
	readDone chan struct{}
	readErr  error
}

func NewWSUnit(address string, opts WSOptions) *WSUnit {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 20 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 16 << 20
	}
	return &WSUnit{
		url:     normalizeWSAddress(address),
		opts:    opts,
		pending: make(map[int64]chan envelope),
	}
}

func (u *WSUnit) URL() string {
	return u.url
}

func (u *WSUnit) Create(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, u.url, nil)
	if err != nil {
		return fmt.Errorf("dial node websocket: %w", err)
	}
	conn.SetReadLimit(u.opts.ReadLimit)

	// The read context outlives Create; canceling it closes the connection.
	readCtx, cancel := context.WithCancel(context.Background())
	u.mu.Lock()
	u.conn = conn
	u.cancel = cancel
	u.readDone = make(chan struct{})
	u.mu.Unlock()

	go u.readLoop(readCtx, conn)
	return nil
}

func (u *WSUnit) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(u.readDone)
	for {
		_, message, err := conn.Read(ctx)
		if err != nil {
			u.mu.Lock()
			u.readErr = err
			for id, ch := range u.pending {
				close(ch)
				delete(u.pending, id)
			}
			u.mu.Unlock()
			return
		}

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil || env.ID == 0 {
			continue
		}
		u.mu.Lock()
		ch, ok := u.pending[env.ID]
		delete(u.pending, env.ID)
		u.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

// Call sends method with params and decodes the result into out when out is
// non-nil.
func (u *WSUnit) Call(ctx context.Context, method string, params, out any) error {
	u.mu.Lock()
	conn := u.conn
	if conn == nil || u.readErr != nil {
		u.mu.Unlock()
		return ErrConnectionClosed
	}
	u.nextID++
	requestID := u.nextID
	ch := make(chan envelope, 1)
	u.pending[requestID] = ch
	u.mu.Unlock()

	defer func() {
		u.mu.Lock()
		delete(u.pending, requestID)
		u.mu.Unlock()
	}()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.opts.CallTimeout)
		defer cancel()
	}

	raw, err := json.Marshal(envelope{ID: requestID, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		return fmt.Errorf("write %s request: %w", method, err)
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return fmt.Errorf("read %s response: %w", method, ErrConnectionClosed)
		}
		if env.Error != nil {
			return fmt.Errorf("%s failed (%d): %s", method, env.Error.Code, env.Error.Message)
		}
		if out != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, out); err != nil {
				return fmt.Errorf("decode %s response: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %s response: %w", method, ctx.Err())
	}
}

// Ping sends a websocket ping frame and waits for the pong.
func (u *WSUnit) Ping(ctx context.Context) (bool, error) {
	u.mu.Lock()
	conn, readErr := u.conn, u.readErr
	u.mu.Unlock()
	if conn == nil {
		return false, ErrConnectionClosed
	}
	if readErr != nil {
		return false, fmt.Errorf("%w: %w", ErrConnectionClosed, readErr)
	}
	if err := conn.Ping(ctx); err != nil {
		return false, fmt.Errorf("websocket ping: %w", err)
	}
	return true, nil
}

func (u *WSUnit) Terminate(ctx context.Context) error {
	u.mu.Lock()
	conn, cancel, readDone := u.conn, u.cancel, u.readDone
	u.conn = nil
	u.mu.Unlock()
	if conn == nil {
		return nil
	}

	// The close handshake error is irrelevant once the read loop has exited.
	closeErr := conn.Close(websocket.StatusNormalClosure, "closing")
	cancel()
	select {
	case <-readDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close websocket: %w", errors.Join(closeErr, ctx.Err()))
	}
}

func normalizeWSAddress(address string) string {
	trimmed := strings.TrimSuffix(strings.TrimSpace(address), "/")
	switch {
	case strings.HasPrefix(trimmed, "ws://"), strings.HasPrefix(trimmed, "wss://"):
		return trimmed
	case strings.HasPrefix(trimmed, "http://"):
		return "ws://" + strings.TrimPrefix(trimmed, "http://")
	case strings.HasPrefix(trimmed, "https://"):
		return "wss://" + strings.TrimPrefix(trimmed, "https://")
	default:
		return "ws://" + trimmed
	}
}
