package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bondfi/bondledger/internal/domain"
)

type fakeEventStore struct {
	appended  []domain.Event
	appendErr error
}

func (f *fakeEventStore) Append(_ context.Context, ev domain.Event) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended = append(f.appended, ev)
	return nil
}

func (f *fakeEventStore) List(context.Context, domain.ListOpts) ([]domain.Event, error) {
	return f.appended, nil
}

func (f *fakeEventStore) ListByInstrument(context.Context, domain.InstrumentID, domain.ListOpts) ([]domain.Event, error) {
	return nil, nil
}

func (f *fakeEventStore) ListBefore(context.Context, time.Time) ([]domain.Event, error) {
	return nil, nil
}

func (f *fakeEventStore) DeleteBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type fakeSignalBus struct {
	published [][]byte
	streamed  [][]byte
}

func (f *fakeSignalBus) Publish(_ context.Context, _ string, payload []byte) error {
	f.published = append(f.published, payload)
	return nil
}

func (f *fakeSignalBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, nil
}

func (f *fakeSignalBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	f.streamed = append(f.streamed, payload)
	return nil
}

func (f *fakeSignalBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var actor = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func TestEmitterWritesJournalAndBus(t *testing.T) {
	store := &fakeEventStore{}
	bus := &fakeSignalBus{}
	em := NewEmitter(store, bus, testLogger())

	em.Emit(context.Background(), "ledger.transfer", actor, 7, map[string]any{"amount": int64(25)})

	if len(store.appended) != 1 {
		t.Fatalf("appended %d events, want 1", len(store.appended))
	}
	ev := store.appended[0]
	if ev.Type != "ledger.transfer" || ev.Actor != actor || ev.Instrument != 7 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.ID == "" || ev.At.IsZero() {
		t.Fatalf("event missing id or timestamp: %+v", ev)
	}

	if len(bus.published) != 1 || len(bus.streamed) != 1 {
		t.Fatalf("bus got %d published / %d streamed, want 1/1", len(bus.published), len(bus.streamed))
	}
	var decoded map[string]any
	if err := json.Unmarshal(bus.published[0], &decoded); err != nil {
		t.Fatalf("published payload is not JSON: %v", err)
	}
	if decoded["type"] != "ledger.transfer" {
		t.Fatalf("payload type = %v", decoded["type"])
	}
	if decoded["actor"] != actor.Hex() {
		t.Fatalf("payload actor = %v, want %s", decoded["actor"], actor.Hex())
	}
}

func TestEmitterToleratesJournalFailure(t *testing.T) {
	store := &fakeEventStore{appendErr: errors.New("connection refused")}
	bus := &fakeSignalBus{}
	em := NewEmitter(store, bus, testLogger())

	// A journal failure is logged, not propagated, and the live bus still
	// sees the event.
	em.Emit(context.Background(), "market.order_created", actor, 1, nil)

	if len(bus.published) != 1 {
		t.Fatalf("bus published %d, want 1 despite store failure", len(bus.published))
	}
}

func TestEmitterToleratesNilSinks(t *testing.T) {
	em := NewEmitter(nil, nil, testLogger())
	em.Emit(context.Background(), "coupon.scheduled", actor, 1, nil) // must not panic
}
