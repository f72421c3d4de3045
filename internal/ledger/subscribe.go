package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

type wsMessage struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
	Method string          `json:"method"`
	Params *struct {
		Result struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Signature string          `json:"signature"`
				Err       json.RawMessage `json:"err"`
				Logs      []string        `json:"logs"`
			} `json:"value"`
		} `json:"result"`
		Subscription uint64 `json:"subscription"`
	} `json:"params"`
}

// wsSubscription owns one logsSubscribe feed and keeps it alive across
// disconnects until Unsubscribe is called or the parent context ends.
type wsSubscription struct {
	c         *RPCClient
	programID string
	onBatch   func(LogBatch)
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once

	mu    sync.Mutex // guards conn, subID and writes to conn
	conn  *websocket.Conn
	subID uint64
}

// Subscribe starts streaming logs mentioning programID.  onBatch runs on
// the feed goroutine, one batch at a time.  Connection failures are
// retried with exponential backoff and never surface to the caller.
func (c *RPCClient) Subscribe(ctx context.Context, programID string, onBatch func(LogBatch)) (Subscription, error) {
	if c.wsURL == "" {
		return nil, errors.New("ledger: websocket url not configured")
	}
	if onBatch == nil {
		return nil, errors.New("ledger: nil batch handler")
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &wsSubscription{
		c:         c,
		programID: programID,
		onBatch:   onBatch,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

func (s *wsSubscription) run(ctx context.Context) {
	defer close(s.done)
	backoff := s.c.minBackoff
	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = s.c.minBackoff
		}
		s.c.log.Warn("log feed disconnected", "err", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < s.c.maxBackoff {
			backoff *= 2
			if backoff > s.c.maxBackoff {
				backoff = s.c.maxBackoff
			}
		}
	}
}

// session dials, subscribes and pumps notifications until the connection
// breaks.  connected reports whether the subscription was acknowledged.
func (s *wsSubscription) session(ctx context.Context) (connected bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.c.wsURL, nil)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	s.conn = conn
	s.subID = 0
	s.mu.Unlock()

	stop := make(chan struct{})
	defer func() {
		close(stop)
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      s.c.nextID.Add(1),
		Method:  "logsSubscribe",
		Params: []any{
			map[string]any{"mentions": []string{s.programID}},
			map[string]any{"commitment": "confirmed"},
		},
	}
	if err := s.write(conn, req); err != nil {
		return false, err
	}

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return connected, err
		}
		switch {
		case msg.Error != nil:
			return connected, msg.Error
		case msg.ID != nil && *msg.ID == req.ID:
			var id uint64
			if err := json.Unmarshal(msg.Result, &id); err != nil {
				return connected, err
			}
			s.mu.Lock()
			s.subID = id
			s.mu.Unlock()
			connected = true
			s.c.log.Info("log feed subscribed", "program", s.programID, "subscription", id)
		case msg.Method == "logsNotification" && msg.Params != nil:
			v := msg.Params.Result.Value
			s.onBatch(LogBatch{
				Signature: v.Signature,
				Slot:      msg.Params.Result.Context.Slot,
				Failed:    failed(v.Err),
				Logs:      v.Logs,
			})
		}
	}
}

func (s *wsSubscription) write(conn *websocket.Conn, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// Unsubscribe sends logsUnsubscribe on the live connection, if any, then
// stops the feed goroutine.
func (s *wsSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		if s.conn != nil && s.subID != 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err = s.conn.WriteJSON(rpcRequest{
				JSONRPC: "2.0",
				ID:      s.c.nextID.Add(1),
				Method:  "logsUnsubscribe",
				Params:  []any{s.subID},
			})
		}
		s.mu.Unlock()
		s.cancel()
		<-s.done
	})
	return err
}
