package badgerdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarungka/telepipe/internal/db"
	"github.com/tarungka/telepipe/internal/models"
)

func setupTestDB(t *testing.T, dir string) *DB {
	t.Helper()
	d := New(&Config{Dir: dir})
	require.NoError(t, d.Open())
	t.Cleanup(func() { d.Close() })
	return d
}

func event(t *testing.T, schema string, at time.Time, v int) *models.Event {
	t.Helper()
	ev, err := models.NewEvent(schema, map[string]any{"value": v, "eventTime": at.Format(time.RFC3339)})
	require.NoError(t, err)
	return ev
}

func scan(t *testing.T, d *DB, q db.Query) []float64 {
	t.Helper()
	var got []float64
	err := d.Scan(context.Background(), q, func(ev *models.Event) error {
		got = append(got, ev.Fields["value"].(float64))
		return nil
	})
	require.NoError(t, err)
	return got
}

func TestDB_OpenClose(t *testing.T) {
	d := New(&Config{})
	require.NoError(t, d.Open())
	assert.ErrorIs(t, d.Open(), db.ErrDBOpen)
	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.Put(context.Background(), nil), db.ErrDBNotOpen)
}

func TestDB_PutScan(t *testing.T) {
	d := setupTestDB(t, "")
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	events := models.Events{
		event(t, "dns", base.Add(2*time.Hour), 3),
		event(t, "dns", base, 1),
		event(t, "auth", base, 10),
		event(t, "dns", base.Add(time.Hour), 2),
	}
	require.NoError(t, d.Put(context.Background(), events))

	tests := []struct {
		name  string
		query db.Query
		want  []float64
	}{
		{"schema in time order", db.Query{Schema: "dns"}, []float64{1, 2, 3}},
		{"since", db.Query{Schema: "dns", Since: base.Add(time.Hour)}, []float64{2, 3}},
		{"until is exclusive", db.Query{Schema: "dns", Until: base.Add(2 * time.Hour)}, []float64{1, 2}},
		{"limit", db.Query{Schema: "dns", Limit: 1}, []float64{1}},
		{"other schema", db.Query{Schema: "auth"}, []float64{10}},
		{"all schemas", db.Query{}, []float64{10, 1, 2, 3}},
		{"unknown schema", db.Query{Schema: "nope"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, scan(t, d, tt.query))
		})
	}
}

func TestDB_ScanStopsOnError(t *testing.T) {
	d := setupTestDB(t, "")
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, d.Put(context.Background(), models.Events{event(t, "a", base, 1), event(t, "a", base.Add(time.Second), 2)}))

	stop := errors.New("stop")
	calls := 0
	err := d.Scan(context.Background(), db.Query{}, func(*models.Event) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestDB_Persistent(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	d := New(&Config{Dir: dir})
	require.NoError(t, d.Open())
	require.NoError(t, d.Put(context.Background(), models.Events{event(t, "dns", base, 7)}))
	require.NoError(t, d.Close())

	reopened := setupTestDB(t, dir)
	assert.Equal(t, []float64{7}, scan(t, reopened, db.Query{Schema: "dns"}))
}
