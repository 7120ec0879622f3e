package liveserver

import (
	"context"
	"fmt"

	"exit_tracker/internal/core"
)

// RecordBroadcaster forwards every record to live subscribers. Delivery is
// best effort: a full broadcast queue drops the record for subscribers only.
type RecordBroadcaster struct {
	hub *Hub
}

// NewRecordBroadcaster creates a sink over hub
func NewRecordBroadcaster(hub *Hub) *RecordBroadcaster {
	return &RecordBroadcaster{hub: hub}
}

// Name implements core.IRecordSink
func (b *RecordBroadcaster) Name() string {
	return "live"
}

// Publish implements core.IRecordSink
func (b *RecordBroadcaster) Publish(_ context.Context, rec core.Record) error {
	switch rec.Kind {
	case core.RecordLegClosed:
		b.hub.Broadcast(NewMessage(TypeLegClosed, rec.Leg))
	case core.RecordPositionSettled:
		b.hub.Broadcast(NewMessage(TypePositionSettled, rec.Settlement))
	default:
		return fmt.Errorf("unknown record kind %q", rec.Kind)
	}
	return nil
}
