// Package journal is the hub's persistence collaborator: it durably
// records every StateChangedEvent into Postgres (current-state + history
// tables) and replays current state back into the State Machine at
// startup. Grounded on the teacher's infrastructure/state persistence
// shape (PersistenceBackend, OnChange hooks, Snapshot) generalized from
// an abstract byte-blob backend into a concrete two-table SQL schema,
// since the spec names Postgres-shaped operations directly (upsert +
// history insert, retention purge).
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/hearthctl/hub/domain/entity"
	"github.com/hearthctl/hub/infrastructure/logging"
	"github.com/hearthctl/hub/infrastructure/resilience"
)

// coalesceWindow is how long the writer batches incoming events before
// committing one transaction, per §4.1 ("coalesces <= 100ms of events").
const coalesceWindow = 100 * time.Millisecond

// writeRetry covers a short Postgres blip (a dropped connection, a brief
// failover) without stalling the writer loop behind a single bad attempt;
// batches keep queuing in memory while a retry is in flight.
var writeRetry = resilience.RetryConfig{
	MaxAttempts:  3,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     time.Second,
	Multiplier:   2.0,
	Jitter:       0.2,
}

// StateSetter is the subset of statemachine.Store the journal replays into
// at startup.
type StateSetter interface {
	Set(entityID, state string, attributes entity.Attributes, ctx entity.Context) entity.State
}

// Journal durably records state changes and replays them at startup.
type Journal struct {
	db       *sqlx.DB
	log      *logging.Logger
	retention time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	pending []entity.ChangedEvent
	closed  bool

	wg sync.WaitGroup
}

// Config controls journal behavior.
type Config struct {
	DSN           string
	RetentionDays int
	Logger        *logging.Logger
}

// Open connects to Postgres, runs pending migrations, and returns a
// Journal ready to accept events via Enqueue. Callers must call Start to
// begin the writer and purge loops, and Replay before accepting external
// connections per §4.1.
func Open(ctx context.Context, cfg Config) (*Journal, error) {
	sqlDB, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrateUp(sqlDB); err != nil {
		return nil, err
	}

	retentionDays := cfg.RetentionDays
	if retentionDays <= 0 {
		retentionDays = 10
	}

	j := &Journal{
		db:        sqlx.NewDb(sqlDB, "postgres"),
		log:       cfg.Logger,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
	j.cond = sync.NewCond(&j.mu)
	return j, nil
}

// Enqueue pushes an event onto the unbounded in-memory queue. It never
// blocks the caller (the State Machine's Set path), matching §4.1's
// "forwarded to an unbounded in-memory queue."
func (j *Journal) Enqueue(evt entity.ChangedEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	j.pending = append(j.pending, evt)
	j.cond.Signal()
}

// Start launches the dedicated writer goroutine and the hourly purge
// ticker. The writer blocks on real OS-thread database calls, never the
// async runtime, per §5.
func (j *Journal) Start(ctx context.Context) {
	j.wg.Add(2)
	go j.writerLoop(ctx)
	go j.purgeLoop(ctx)
}

// Close stops accepting new events and waits for the writer and purge
// loops to exit.
func (j *Journal) Close() error {
	j.mu.Lock()
	j.closed = true
	j.cond.Broadcast()
	j.mu.Unlock()
	j.wg.Wait()
	return j.db.Close()
}

func (j *Journal) writerLoop(ctx context.Context) {
	defer j.wg.Done()
	for {
		batch := j.drainBatch(ctx)
		if batch == nil {
			return
		}
		if len(batch) == 0 {
			continue
		}
		err := resilience.Retry(ctx, writeRetry, func() error {
			return j.writeBatch(ctx, batch)
		})
		if err != nil && j.log != nil {
			j.log.WithError(err).Error("journal: write batch failed after retries")
		}
	}
}

// drainBatch blocks until at least one event is queued, then collects
// whatever else arrives within coalesceWindow into the same batch. It
// returns nil once the journal has been closed and drained.
func (j *Journal) drainBatch(ctx context.Context) []entity.ChangedEvent {
	j.mu.Lock()
	for len(j.pending) == 0 && !j.closed {
		j.cond.Wait()
	}
	if len(j.pending) == 0 && j.closed {
		j.mu.Unlock()
		return nil
	}
	j.mu.Unlock()

	select {
	case <-time.After(coalesceWindow):
	case <-ctx.Done():
	}

	j.mu.Lock()
	batch := j.pending
	j.pending = nil
	j.mu.Unlock()
	return batch
}

func (j *Journal) writeBatch(ctx context.Context, batch []entity.ChangedEvent) error {
	tx, err := j.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, evt := range batch {
		attrJSON, err := json.Marshal(evt.NewState.Attributes)
		if err != nil {
			return fmt.Errorf("marshal attributes: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO entity_states (entity_id, state, attributes, last_changed, last_updated, last_reported, context_id, parent_id, user_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (entity_id) DO UPDATE SET
				state = EXCLUDED.state,
				attributes = EXCLUDED.attributes,
				last_changed = EXCLUDED.last_changed,
				last_updated = EXCLUDED.last_updated,
				last_reported = EXCLUDED.last_reported,
				context_id = EXCLUDED.context_id,
				parent_id = EXCLUDED.parent_id,
				user_id = EXCLUDED.user_id
		`, evt.NewState.EntityID, evt.NewState.State, attrJSON,
			evt.NewState.LastChanged, evt.NewState.LastUpdated, evt.NewState.LastReported,
			evt.NewState.Context.ID, nullable(evt.NewState.Context.ParentID), nullable(evt.NewState.Context.UserID))
		if err != nil {
			return fmt.Errorf("upsert entity_states: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO state_history (entity_id, state, attributes, time_fired, context_id, parent_id)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, evt.NewState.EntityID, evt.NewState.State, attrJSON, evt.FiredAt,
			evt.NewState.Context.ID, nullable(evt.NewState.Context.ParentID))
		if err != nil {
			return fmt.Errorf("insert state_history: %w", err)
		}
	}

	return tx.Commit()
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func (j *Journal) purgeLoop(ctx context.Context) {
	defer j.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.purgeOnce(ctx); err != nil && j.log != nil {
				j.log.WithError(err).Error("journal: purge failed")
			}
		}
	}
}

func (j *Journal) purgeOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-j.retention)
	_, err := j.db.ExecContext(ctx, `DELETE FROM state_history WHERE time_fired < $1`, cutoff)
	return err
}

type entityStateRow struct {
	EntityID     string    `db:"entity_id"`
	State        string    `db:"state"`
	Attributes   []byte    `db:"attributes"`
	LastChanged  time.Time `db:"last_changed"`
	LastUpdated  time.Time `db:"last_updated"`
	LastReported time.Time `db:"last_reported"`
	ContextID    string    `db:"context_id"`
	ParentID     sql.NullString `db:"parent_id"`
	UserID       sql.NullString `db:"user_id"`
}

// Replay reads every row from entity_states and writes it into sm via Set,
// restoring state before external connections are accepted, per §4.1.
func (j *Journal) Replay(ctx context.Context, sm StateSetter) error {
	var rows []entityStateRow
	if err := j.db.SelectContext(ctx, &rows, `SELECT entity_id, state, attributes, last_changed, last_updated, last_reported, context_id, parent_id, user_id FROM entity_states`); err != nil {
		return fmt.Errorf("select entity_states: %w", err)
	}

	for _, row := range rows {
		var attrs entity.Attributes
		if len(row.Attributes) > 0 {
			if err := json.Unmarshal(row.Attributes, &attrs); err != nil {
				return fmt.Errorf("unmarshal attributes for %s: %w", row.EntityID, err)
			}
		}
		ctx := entity.Context{ID: row.ContextID, ParentID: row.ParentID.String, UserID: row.UserID.String}
		sm.Set(row.EntityID, row.State, attrs, ctx)
	}
	return nil
}
