package models

import (
	"fmt"
	"time"

	uuid "github.com/google/uuid"
	"github.com/tarungka/telepipe/internal/logger"
)

// Event is one structured telemetry record.
type Event struct {
	ID     uuid.UUID      `json:"id"` // a UUID v7, sortable by creation
	Schema string         `json:"schema,omitempty"`
	Time   time.Time      `json:"time"`
	Fields map[string]any `json:"fields"`
}

// NewEvent wraps fields into an event. If fields carry an RFC3339 "eventTime"
// it becomes the event time, otherwise the creation time is used.
func NewEvent(schema string, fields map[string]any) (*Event, error) {
	id, err := uuid.NewV7()
	if err != nil {
		logger.AdHocLogger.Err(err).Msg("error when creating a new event")
		return nil, err
	}
	eventTime := time.Now()
	if raw, ok := fields["eventTime"].(string); ok {
		// TODO: accept the unix-seconds form kafka producers sometimes send
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			logger.AdHocLogger.Err(err).Msg("error when parsing eventTime")
		} else {
			eventTime = parsed
		}
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return &Event{
		ID:     id,
		Schema: schema,
		Time:   eventTime,
		Fields: fields,
	}, nil
}

// Get returns the field value at key.
func (e *Event) Get(key string) (any, error) {
	v, ok := e.Fields[key]
	if !ok {
		return nil, fmt.Errorf("event %s has no field %q", e.ID, key)
	}
	return v, nil
}

// Clone returns a copy with its own field map. Field values are shared.
func (e *Event) Clone() *Event {
	fields := make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		fields[k] = v
	}
	return &Event{ID: e.ID, Schema: e.Schema, Time: e.Time, Fields: fields}
}
