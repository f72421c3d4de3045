package reconcile

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/iliyamo/escrow-reservation/internal/ledger"
)

// Kind tags a reservation event emitted by the escrow program.
type Kind int

const (
	KindCreated Kind = iota + 1
	KindCancelled
	KindCompleted
	KindNoShow
)

// eventNames are the event type names declared by the escrow program.
var eventNames = map[Kind]string{
	KindCreated:   "ReservationCreated",
	KindCancelled: "ReservationCancelled",
	KindCompleted: "ReservationCompleted",
	KindNoShow:    "ReservationNoShow",
}

// kindOrder fixes the scan order so decoding is deterministic.
var kindOrder = []Kind{KindCreated, KindCancelled, KindCompleted, KindNoShow}

func (k Kind) String() string {
	if n, ok := eventNames[k]; ok {
		return n
	}
	return "Unknown"
}

// ParseKind accepts an event name such as "ReservationCancelled" or its
// short form "CANCELLED" / "no_show".
func ParseKind(s string) (Kind, bool) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.ReplaceAll(s, "_", ""), "-", ""))
	for _, k := range kindOrder {
		name := strings.ToUpper(eventNames[k])
		if norm == name || "RESERVATION"+norm == name {
			return k, true
		}
	}
	return 0, false
}

// Event is one decoded ledger event.  EscrowAddress is empty when the
// decoder could not recover it from the logs.
type Event struct {
	Kind          Kind
	TxRef         string
	EscrowAddress string
}

// Decoder turns the logs of one transaction into events.  Unknown or
// malformed lines are skipped.
type Decoder interface {
	Decode(b ledger.LogBatch) []Event
}

// TextDecoder recognises event names in plain log lines.  It cannot tell
// which reservation an event belongs to.
type TextDecoder struct{}

func (TextDecoder) Decode(b ledger.LogBatch) []Event {
	var out []Event
	seen := map[Kind]bool{}
	for _, line := range b.Logs {
		if strings.HasPrefix(line, programDataPrefix) {
			continue
		}
		for _, k := range kindOrder {
			if !seen[k] && strings.Contains(line, eventNames[k]) {
				seen[k] = true
				out = append(out, Event{Kind: k, TxRef: b.Signature})
			}
		}
	}
	return out
}

const programDataPrefix = "Program data: "

// AnchorDecoder decodes structured events logged as base64 "Program
// data:" lines.  Each payload starts with an 8-byte discriminator,
// sha256("event:<Name>")[:8], followed by the reservation account key.
type AnchorDecoder struct{}

var discriminators = func() map[[8]byte]Kind {
	m := make(map[[8]byte]Kind, len(eventNames))
	for k, name := range eventNames {
		m[Discriminator(name)] = k
	}
	return m
}()

// Discriminator returns the event discriminator for an event type name.
func Discriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("event:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

func (AnchorDecoder) Decode(b ledger.LogBatch) []Event {
	var out []Event
	for _, line := range b.Logs {
		payload, ok := strings.CutPrefix(line, programDataPrefix)
		if !ok {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
		if err != nil || len(raw) < 8+32 {
			continue
		}
		var d [8]byte
		copy(d[:], raw[:8])
		k, ok := discriminators[d]
		if !ok {
			continue
		}
		account := raw[8:40]
		if bytes.Equal(account, make([]byte, 32)) {
			continue
		}
		out = append(out, Event{Kind: k, TxRef: b.Signature, EscrowAddress: base58.Encode(account)})
	}
	return out
}

// ChainDecoder returns the events of the first decoder that yields any.
type ChainDecoder []Decoder

func (c ChainDecoder) Decode(b ledger.LogBatch) []Event {
	for _, d := range c {
		if evs := d.Decode(b); len(evs) > 0 {
			return evs
		}
	}
	return nil
}

// DefaultDecoder prefers structured events and falls back to text markers.
func DefaultDecoder() Decoder {
	return ChainDecoder{AnchorDecoder{}, TextDecoder{}}
}
