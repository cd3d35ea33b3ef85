package counter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/whatsapp-delivery/internal/model"
)

func msg(dir model.Direction, read bool) *model.Message {
	m := &model.Message{Direction: dir}
	if read {
		t := time.Now()
		m.ReadAt = &t
	}
	return m
}

func TestDeltaRules(t *testing.T) {
	assert.Equal(t, 1, InsertDelta(msg(model.Incoming, false)))
	assert.Equal(t, 0, InsertDelta(msg(model.Incoming, true)))
	assert.Equal(t, 0, InsertDelta(msg(model.Outgoing, false)))

	assert.Equal(t, -1, UpdateDelta(msg(model.Incoming, false), msg(model.Incoming, true)))
	assert.Equal(t, 0, UpdateDelta(msg(model.Incoming, true), msg(model.Incoming, true)))
	assert.Equal(t, 0, UpdateDelta(msg(model.Outgoing, false), msg(model.Outgoing, true)))

	assert.Equal(t, -1, DeleteDelta(msg(model.Incoming, false)))
	assert.Equal(t, 0, DeleteDelta(msg(model.Incoming, true)))
	assert.Equal(t, 0, DeleteDelta(msg(model.Outgoing, false)))
}

func TestFloor(t *testing.T) {
	assert.Equal(t, 3, Floor(2, 1))
	assert.Equal(t, 0, Floor(0, -1))
	assert.Equal(t, 0, Floor(1, -1))
}

func TestApply_IssuesFlooredUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE contacts\s+SET unread_count = GREATEST\(unread_count \+ \$2, 0\)`).
		WithArgs(int64(7), -1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewMaintainer().Apply(context.Background(), db, 7, -1))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApply_ZeroDeltaIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, NewMaintainer().Apply(context.Background(), db, 7, 0))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApply_WrapsError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("boom")
	mock.ExpectExec(`UPDATE contacts`).WillReturnError(boom)

	err = NewMaintainer().Apply(context.Background(), db, 7, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}
