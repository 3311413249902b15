package ledger

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarungka/telepipe/internal/operator"
)

func openTestLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestLedger_BeginFinish(t *testing.T) {
	l, _ := openTestLedger(t)
	require.NoError(t, l.Begin(Run{
		ID:        "r1",
		Pipeline:  "from_file | to_file",
		Operators: []operator.Spec{{Name: "from_file", Args: map[string]string{"path": "in.json"}}},
	}))

	r, err := l.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, r.Status)
	assert.Nil(t, r.FinishedAt)
	assert.Equal(t, "in.json", r.Operators[0].Args["path"])

	require.NoError(t, l.Finish("r1", StatusFailed, errors.New("boom"), map[string]int{"nodes": 2}))
	r, err = l.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, "boom", r.Error)
	assert.NotNil(t, r.FinishedAt)
	assert.NotNil(t, r.Stats)
}

func TestLedger_Unknown(t *testing.T) {
	l, _ := openTestLedger(t)
	_, err := l.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, l.Finish("nope", StatusSucceeded, nil, nil), ErrNotFound)
}

func TestLedger_ListMostRecentFirst(t *testing.T) {
	l, _ := openTestLedger(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, l.Begin(Run{ID: "old", StartedAt: base}))
	require.NoError(t, l.Begin(Run{ID: "new", StartedAt: base.Add(time.Hour)}))

	runs, err := l.List()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].ID)
	assert.Equal(t, "old", runs[1].ID)
}

func TestLedger_Recover(t *testing.T) {
	l, path := openTestLedger(t)
	require.NoError(t, l.Begin(Run{ID: "done"}))
	require.NoError(t, l.Finish("done", StatusSucceeded, nil, nil))
	require.NoError(t, l.Begin(Run{ID: "stale"}))
	require.NoError(t, l.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r, err := reopened.Get("stale")
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, r.Status)
	r, err = reopened.Get("done")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, r.Status)
}
