package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bondfi/bondledger/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL. The seq column
// is a BIGSERIAL, so commit order is assigned by the database.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts one event into the journal.
func (s *EventStore) Append(ctx context.Context, ev domain.Event) error {
	var detail []byte
	if ev.Detail != nil {
		var err error
		detail, err = json.Marshal(ev.Detail)
		if err != nil {
			return fmt.Errorf("postgres: marshal event detail: %w", err)
		}
	}

	const query = `
		INSERT INTO events (id, event_type, actor, instrument, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, query,
		ev.ID, ev.Type, ev.Actor.Hex(), int64(ev.Instrument), detail, ev.At,
	)
	if err != nil {
		return fmt.Errorf("postgres: append event %s: %w", ev.ID, err)
	}
	return nil
}

const eventSelectCols = `seq, id, event_type, actor, instrument, detail, occurred_at`

func scanEventRows(rows pgx.Rows) ([]domain.Event, error) {
	var events []domain.Event
	for rows.Next() {
		var ev domain.Event
		var actor string
		var instrument int64
		var detail []byte

		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.Type, &actor, &instrument, &detail, &ev.At); err != nil {
			return nil, err
		}
		ev.Actor = common.HexToAddress(actor)
		ev.Instrument = domain.InstrumentID(instrument)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &ev.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal detail for event %s: %w", ev.ID, err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// List returns events in commit order with pagination.
func (s *EventStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Event, error) {
	query := `SELECT ` + eventSelectCols + ` FROM events`
	var args []any
	argIdx := 1

	var conds []string
	if opts.Since != nil {
		conds = append(conds, fmt.Sprintf("occurred_at >= $%d", argIdx))
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		conds = append(conds, fmt.Sprintf("occurred_at <= $%d", argIdx))
		args = append(args, *opts.Until)
		argIdx++
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}

	query += " ORDER BY seq ASC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	events, err := scanEventRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan events: %w", err)
	}
	return events, nil
}

// ListByInstrument returns events for one instrument in commit order.
func (s *EventStore) ListByInstrument(ctx context.Context, id domain.InstrumentID, opts domain.ListOpts) ([]domain.Event, error) {
	query := `SELECT ` + eventSelectCols + ` FROM events WHERE instrument = $1 ORDER BY seq ASC`
	args := []any{int64(id)}

	if opts.Limit > 0 {
		query += " LIMIT $2"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET $3"
			args = append(args, opts.Offset)
		}
	} else if opts.Offset > 0 {
		query += " OFFSET $2"
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events by instrument: %w", err)
	}
	defer rows.Close()

	events, err := scanEventRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan events by instrument: %w", err)
	}
	return events, nil
}

// ListBefore returns all events that occurred strictly before the cutoff.
// Used by the archiver to collect rows eligible for cold storage.
func (s *EventStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventSelectCols+` FROM events WHERE occurred_at < $1 ORDER BY seq ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events before: %w", err)
	}
	defer rows.Close()

	events, err := scanEventRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan events before: %w", err)
	}
	return events, nil
}

// DeleteBefore removes events older than the cutoff after they have been
// archived. Returns the number of rows deleted.
func (s *EventStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM events WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete events before: %w", err)
	}
	return tag.RowsAffected(), nil
}
