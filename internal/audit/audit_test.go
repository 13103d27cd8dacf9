package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Record(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	recorder := NewRecorder(db)

	tests := []struct {
		name    string
		entry   Entry
		execErr error
		wantErr bool
	}{
		{
			name: "booking transition",
			entry: Entry{
				ActorID:    "patient-1",
				Action:     "booking.confirmed",
				TargetType: "booking",
				TargetID:   "bk-1",
				Metadata:   map[string]any{"from": "pending_payment", "to": "confirmed"},
			},
		},
		{
			name:  "system actor without metadata",
			entry: Entry{Action: ActionHoldReleased, TargetType: "hold", TargetID: "h-1"},
		},
		{
			name:    "database failure",
			entry:   Entry{Action: ActionHoldAcquired, TargetType: "hold", TargetID: "h-2"},
			execErr: errors.New("connection refused"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := mock.ExpectExec("INSERT INTO audit_events")
			if tt.execErr != nil {
				exp.WillReturnError(tt.execErr)
			} else {
				exp.WillReturnResult(sqlmock.NewResult(1, 1))
			}

			err := recorder.Record(context.Background(), tt.entry)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecorder_ForTarget(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	recorder := NewRecorder(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "actor_id", "action", "target_type", "target_id", "metadata", "created_at"}).
		AddRow("a-1", nil, "booking.draft", "booking", "bk-1", []byte(`{"to":"draft"}`), now).
		AddRow("a-2", "patient-1", "booking.cancelled", "booking", "bk-1", nil, now)

	mock.ExpectQuery("SELECT (.+) FROM audit_events").
		WithArgs("booking", "bk-1").
		WillReturnRows(rows)

	entries, err := recorder.ForTarget(context.Background(), "booking", "bk-1", 50)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Empty(t, entries[0].ActorID)
	assert.Equal(t, "draft", entries[0].Metadata["to"])
	assert.Equal(t, "patient-1", entries[1].ActorID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryRecorder(t *testing.T) {
	r := NewMemoryRecorder()
	ctx := context.Background()
	_ = r.Record(ctx, Entry{Action: "booking.draft", TargetType: "booking", TargetID: "bk-1"})
	_ = r.Record(ctx, Entry{Action: "booking.held", TargetType: "booking", TargetID: "bk-1"})
	_ = r.Record(ctx, Entry{Action: "booking.draft", TargetType: "booking", TargetID: "bk-2"})

	entries, err := r.ForTarget(ctx, "booking", "bk-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, "booking.held", entries[1].Action)
}
