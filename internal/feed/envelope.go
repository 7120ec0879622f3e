// Package feed decodes inbound position and market-data envelopes and applies
// them to the supervisor
package feed

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"exit_tracker/internal/core"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
)

// EnvelopeType tags one inbound line or frame
type EnvelopeType string

const (
	TypeOpen   EnvelopeType = "open"
	TypeTick   EnvelopeType = "tick"
	TypeManual EnvelopeType = "manual"
	TypeStop   EnvelopeType = "stop"
)

// ErrMalformed wraps every decode failure
var ErrMalformed = errors.New("malformed envelope")

// Envelope is the wire shape shared by the JSON-lines file format and the websocket feed
//
//	{"type":"open","position":{...OpenPositionSpec...}}
//	{"type":"tick","symbol":"ADAUSDT","price":"0.8288","timestamp":"2024-11-03T10:00:00Z"}
//	{"type":"manual","position_id":"p1","price":"0.8326"}
//	{"type":"stop","position_id":"p1","price":"0.8240"}
type Envelope struct {
	Type       EnvelopeType           `json:"type"`
	Position   *core.OpenPositionSpec `json:"position,omitempty"`
	Symbol     string                 `json:"symbol,omitempty"`
	PositionID string                 `json:"position_id,omitempty"`
	Price      decimal.Decimal        `json:"price"`
	Timestamp  time.Time              `json:"timestamp,omitempty"`
}

// Decoder turns raw envelopes into commands. Events without a timestamp are
// stamped with Now.
type Decoder struct {
	Now func() time.Time
}

// NewDecoder returns a decoder stamping with the wall clock
func NewDecoder() *Decoder {
	return &Decoder{Now: time.Now}
}

// Decode parses one envelope
func (d *Decoder) Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	env.Type = EnvelopeType(strings.ToLower(string(env.Type)))

	switch env.Type {
	case TypeOpen:
		if env.Position == nil {
			return Envelope{}, fmt.Errorf("%w: open without position", ErrMalformed)
		}
		if env.Position.OpenedAt.IsZero() {
			env.Position.OpenedAt = d.now()
		}
		env.Position.Side = core.Side(strings.ToUpper(string(env.Position.Side)))
	case TypeTick:
		if env.Symbol == "" {
			return Envelope{}, fmt.Errorf("%w: tick without symbol", ErrMalformed)
		}
	case TypeManual, TypeStop:
		if env.PositionID == "" {
			return Envelope{}, fmt.Errorf("%w: %s without position_id", ErrMalformed, env.Type)
		}
	default:
		return Envelope{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}

	if env.Type != TypeOpen && !env.Price.IsPositive() {
		return Envelope{}, fmt.Errorf("%w: %s needs a positive price", ErrMalformed, env.Type)
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = d.now()
	}
	return env, nil
}

// Event converts a tick or manual envelope into a market event
func (e Envelope) Event() (core.MarketEvent, bool) {
	switch e.Type {
	case TypeTick:
		return core.NewPriceTick(e.Symbol, e.Price, e.Timestamp), true
	case TypeManual:
		return core.NewManualClose(e.PositionID, e.Price, e.Timestamp), true
	}
	return core.MarketEvent{}, false
}

func (d *Decoder) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}
