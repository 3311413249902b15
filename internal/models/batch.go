package models

// Batch is the unit of data moved between execution nodes. A nil or empty
// batch is the idle marker: the producer had nothing to hand out right now.
type Batch interface {
	Kind() Kind
	Len() int
}

// Chunk is a batch of raw bytes.
type Chunk []byte

func (c Chunk) Kind() Kind { return KindBytes }
func (c Chunk) Len() int   { return len(c) }

// Events is a batch of structured events.
type Events []*Event

func (e Events) Kind() Kind { return KindEvents }
func (e Events) Len() int   { return len(e) }

// IsIdle reports whether b is the idle marker.
func IsIdle(b Batch) bool {
	return b == nil || b.Len() == 0
}
