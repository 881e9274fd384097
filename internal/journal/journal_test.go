package journal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthctl/hub/domain/entity"
)

func newMockJournal(t *testing.T) (*Journal, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Journal{db: sqlx.NewDb(db, "postgres"), retention: 10 * 24 * time.Hour}, mock
}

func sampleEvent(entityID, state string) entity.ChangedEvent {
	now := time.Now()
	return entity.ChangedEvent{
		EntityID: entityID,
		NewState: entity.State{
			EntityID:     entityID,
			State:        state,
			Attributes:   entity.Attributes{"unit": "c"},
			LastChanged:  now,
			LastUpdated:  now,
			LastReported: now,
			Context:      entity.NewContext(),
		},
		FiredAt: now,
	}
}

func TestWriteBatchUpsertsAndInsertsHistoryInOneTransaction(t *testing.T) {
	j, mock := newMockJournal(t)
	evt := sampleEvent("sensor.bedroom", "21.5")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO entity_states").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO state_history").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := j.writeBatch(context.Background(), []entity.ChangedEvent{evt})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteBatchRollsBackOnHistoryInsertFailure(t *testing.T) {
	j, mock := newMockJournal(t)
	evt := sampleEvent("sensor.bedroom", "21.5")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO entity_states").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO state_history").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := j.writeBatch(context.Background(), []entity.ChangedEvent{evt})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteBatchCoalescesMultipleEventsInOneTransaction(t *testing.T) {
	j, mock := newMockJournal(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO entity_states").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO state_history").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO entity_states").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO state_history").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	batch := []entity.ChangedEvent{
		sampleEvent("light.kitchen", "on"),
		sampleEvent("sensor.bedroom", "21.5"),
	}
	err := j.writeBatch(context.Background(), batch)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeOnceDeletesHistoryOlderThanRetention(t *testing.T) {
	j, mock := newMockJournal(t)
	mock.ExpectExec("DELETE FROM state_history WHERE time_fired").WillReturnResult(sqlmock.NewResult(0, 5))

	err := j.purgeOnce(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type recordingStateSetter struct {
	sets []entity.State
}

func (r *recordingStateSetter) Set(entityID, state string, attributes entity.Attributes, ctx entity.Context) entity.State {
	st := entity.State{EntityID: entityID, State: state, Attributes: attributes, Context: ctx}
	r.sets = append(r.sets, st)
	return st
}

func TestReplayRestoresEveryStoredEntity(t *testing.T) {
	j, mock := newMockJournal(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"entity_id", "state", "attributes", "last_changed", "last_updated", "last_reported", "context_id", "parent_id", "user_id"}).
		AddRow("light.kitchen", "on", []byte(`{"brightness":80}`), now, now, now, "ctx-1", nil, nil).
		AddRow("sensor.bedroom", "21.5", []byte(`{}`), now, now, now, "ctx-2", nil, nil)
	mock.ExpectQuery("SELECT entity_id, state, attributes").WillReturnRows(rows)

	sm := &recordingStateSetter{}
	err := j.Replay(context.Background(), sm)
	require.NoError(t, err)
	require.Len(t, sm.sets, 2)
	assert.Equal(t, "light.kitchen", sm.sets[0].EntityID)
	assert.Equal(t, "on", sm.sets[0].State)
	assert.Equal(t, 80.0, sm.sets[0].Attributes["brightness"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueAfterCloseIsDropped(t *testing.T) {
	j, _ := newMockJournal(t)
	j.cond = &sync.Cond{L: &j.mu}
	j.closed = true

	j.Enqueue(sampleEvent("light.kitchen", "on"))
	assert.Empty(t, j.pending)
}
