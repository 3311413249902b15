// Package ledger keeps a durable record of pipeline runs.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarungka/telepipe/internal/logger"
	"github.com/tarungka/telepipe/internal/operator"
	bolt "go.etcd.io/bbolt"
)

var runsBucket = []byte("runs")

var ErrNotFound = errors.New("run not found")

type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
	// StatusAbandoned marks runs the process did not see finish.
	StatusAbandoned Status = "abandoned"
)

// Run is one pipeline execution.
type Run struct {
	ID         string          `json:"id"`
	Pipeline   string          `json:"pipeline"`
	Operators  []operator.Spec `json:"operators,omitempty"`
	Status     Status          `json:"status"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Stats      any             `json:"stats,omitempty"`
}

type Ledger struct {
	db     *bolt.DB
	logger zerolog.Logger
}

// Open opens or creates the ledger file at path.
func Open(path string) (*Ledger, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(runsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db, logger: logger.Component("ledger")}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) put(tx *bolt.Tx, r *Run) error {
	val, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return tx.Bucket(runsBucket).Put([]byte(r.ID), val)
}

func get(tx *bolt.Tx, id string) (*Run, error) {
	val := tx.Bucket(runsBucket).Get([]byte(id))
	if val == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r := new(Run)
	if err := json.Unmarshal(val, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Begin records a run as running.
func (l *Ledger) Begin(r Run) error {
	r.Status = StatusRunning
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return l.put(tx, &r)
	})
}

// Finish records the outcome of a run.
func (l *Ledger) Finish(id string, status Status, runErr error, stats any) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		r, err := get(tx, id)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		r.FinishedAt = &now
		r.Stats = stats
		r.Status = status
		if runErr != nil {
			r.Error = runErr.Error()
		}
		return l.put(tx, r)
	})
}

func (l *Ledger) Get(id string) (*Run, error) {
	var r *Run
	err := l.db.View(func(tx *bolt.Tx) error {
		var err error
		r, err = get(tx, id)
		return err
	})
	return r, err
}

// List returns all runs, most recent first.
func (l *Ledger) List() ([]*Run, error) {
	var runs []*Run
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).ForEach(func(k, v []byte) error {
			r := new(Run)
			if err := json.Unmarshal(v, r); err != nil {
				return fmt.Errorf("corrupt run %s: %w", k, err)
			}
			runs = append(runs, r)
			return nil
		})
	})
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, err
}

// Recover marks runs left running by a previous process as abandoned and
// returns how many there were.
func (l *Ledger) Recover() (int, error) {
	n := 0
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(runsBucket)
		var stale []*Run
		if err := b.ForEach(func(k, v []byte) error {
			r := new(Run)
			if err := json.Unmarshal(v, r); err != nil {
				return err
			}
			if r.Status == StatusRunning {
				stale = append(stale, r)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, r := range stale {
			r.Status = StatusAbandoned
			if err := l.put(tx, r); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	if n > 0 {
		l.logger.Warn().Msgf("marked %d runs from a previous process as abandoned", n)
	}
	return n, err
}
