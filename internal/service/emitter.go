// Package service wraps the core components with the observer surface:
// every mutating operation emits a structured event to the durable journal
// and the live signal bus. Event persistence is best-effort — a failed
// observer write is logged, never rolled back into the core, because the
// commit order of the in-memory components is authoritative.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/bondfi/bondledger/internal/domain"
)

// eventChannel is the pub/sub channel and stream carrying all audit events.
const (
	eventChannel = "events"
	eventStream  = "stream:events"
)

// Emitter records audit events and publishes them to live observers.
type Emitter struct {
	events domain.EventStore
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewEmitter creates an Emitter. Both the store and the bus may be nil
// (e.g. in tests), in which case the corresponding sink is skipped.
func NewEmitter(events domain.EventStore, bus domain.SignalBus, logger *slog.Logger) *Emitter {
	return &Emitter{events: events, bus: bus, logger: logger}
}

// Emit records one mutating operation.
func (e *Emitter) Emit(ctx context.Context, typ string, actor common.Address, instrument domain.InstrumentID, detail map[string]any) {
	ev := domain.Event{
		ID:         uuid.New().String(),
		Type:       typ,
		Actor:      actor,
		Instrument: instrument,
		Detail:     detail,
		At:         time.Now().UTC(),
	}

	if e.events != nil {
		if err := e.events.Append(ctx, ev); err != nil {
			e.logger.WarnContext(ctx, "emitter: append event failed",
				slog.String("type", typ),
				slog.String("error", err.Error()),
			)
		}
	}

	if e.bus != nil {
		payload, err := json.Marshal(map[string]any{
			"id":         ev.ID,
			"type":       ev.Type,
			"actor":      ev.Actor.Hex(),
			"instrument": ev.Instrument,
			"detail":     ev.Detail,
			"at":         ev.At.Format(time.RFC3339Nano),
		})
		if err != nil {
			return
		}
		if err := e.bus.Publish(ctx, eventChannel, payload); err != nil {
			e.logger.WarnContext(ctx, "emitter: publish failed",
				slog.String("type", typ),
				slog.String("error", err.Error()),
			)
		}
		if err := e.bus.StreamAppend(ctx, eventStream, payload); err != nil {
			e.logger.WarnContext(ctx, "emitter: stream append failed",
				slog.String("type", typ),
				slog.String("error", err.Error()),
			)
		}
	}
}
