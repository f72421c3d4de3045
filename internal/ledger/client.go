// Package ledger talks to the external settlement ledger.  It offers a
// synchronous transaction lookup over JSON-RPC and a push feed of program
// log batches over a websocket subscription.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable wraps transport failures and RPC-level errors.
var ErrUnavailable = errors.New("ledger unavailable")

// Transaction is the subset of a ledger transaction the service relies on.
type Transaction struct {
	Signature string
	Slot      uint64
	BlockTime *time.Time
	Failed    bool
	Logs      []string
}

// LogBatch is one delivery of the log feed: the logs emitted by a single
// transaction that mentions the program.
type LogBatch struct {
	Signature string
	Slot      uint64
	Failed    bool
	Logs      []string
}

// Subscription is a live log feed.  Unsubscribe stops it and waits for the
// feed goroutine to exit; calling it twice is harmless.
type Subscription interface {
	Unsubscribe() error
}

// Client is the ledger surface used by the reservation service and the
// reconciler.
type Client interface {
	// Verify reports whether ref names a transaction that is confirmed and
	// did not fail.  An unknown ref is (false, nil).
	Verify(ctx context.Context, ref string) (bool, error)
	// GetTransaction returns nil, nil when the ledger does not know ref.
	GetTransaction(ctx context.Context, ref string) (*Transaction, error)
	Subscribe(ctx context.Context, programID string, onBatch func(LogBatch)) (Subscription, error)
	Ping(ctx context.Context) error
}

// RPCError is an error object returned by the JSON-RPC endpoint.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}
