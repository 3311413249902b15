// Package db defines the event store the import and export operators work
// against.
package db

import (
	"context"
	"errors"
	"expvar"
	"time"

	"github.com/tarungka/telepipe/internal/models"
)

var (
	// ErrDBNotOpen is returned when a store is used before Open.
	ErrDBNotOpen = errors.New("db not open")

	// ErrDBOpen is returned when a store is opened twice.
	ErrDBOpen = errors.New("db already open")
)

const (
	numImported = "events_imported"
	numExported = "events_exported"
	numScans    = "scans"
)

// stats captures stats for the DB layer.
var stats *expvar.Map

func init() {
	stats = expvar.NewMap("db")
	ResetStats()
}

// ResetStats resets the expvar stats for this module. Mostly for test purposes.
func ResetStats() {
	stats.Init()
	stats.Add(numImported, 0)
	stats.Add(numExported, 0)
	stats.Add(numScans, 0)
}

func RecordImported(n int) { stats.Add(numImported, int64(n)) }
func RecordExported(n int) { stats.Add(numExported, int64(n)) }
func RecordScan()          { stats.Add(numScans, 1) }

// Stat returns the current value of a counter, 0 if it is unknown.
func Stat(name string) int64 {
	if v, ok := stats.Get(name).(*expvar.Int); ok {
		return v.Value()
	}
	return 0
}

// Query selects stored events. Zero values match everything.
type Query struct {
	Schema string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// Match reports whether ev is selected by q, ignoring Limit.
func (q Query) Match(ev *models.Event) bool {
	if q.Schema != "" && ev.Schema != q.Schema {
		return false
	}
	if !q.Since.IsZero() && ev.Time.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !ev.Time.Before(q.Until) {
		return false
	}
	return true
}

// EventStore persists events for later export.
type EventStore interface {
	Put(ctx context.Context, events models.Events) error
	// Scan calls fn for every selected event in schema and time order.
	// Returning an error from fn stops the scan with that error.
	Scan(ctx context.Context, q Query, fn func(*models.Event) error) error
	Close() error
}
