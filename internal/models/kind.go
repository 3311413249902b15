package models

import "fmt"

// Kind describes what flows out of (or into) an operator.
type Kind uint8

const (
	// KindNone is the output of a sink and the input of a source.
	KindNone Kind = iota
	// KindBytes is a stream of raw chunks.
	KindBytes
	// KindEvents is a stream of structured event batches.
	KindEvents
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "void"
	case KindBytes:
		return "bytes"
	case KindEvents:
		return "events"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "void", "none":
		return KindNone, nil
	case "bytes":
		return KindBytes, nil
	case "events":
		return KindEvents, nil
	}
	return KindNone, fmt.Errorf("unknown kind %q", s)
}

// Location is the placement preference of an operator.
type Location uint8

const (
	Anywhere Location = iota
	Local
	Remote
)

func (l Location) String() string {
	switch l {
	case Anywhere:
		return "anywhere"
	case Local:
		return "local"
	case Remote:
		return "remote"
	}
	return fmt.Sprintf("location(%d)", uint8(l))
}

func ParseLocation(s string) (Location, error) {
	switch s {
	case "", "anywhere":
		return Anywhere, nil
	case "local":
		return Local, nil
	case "remote":
		return Remote, nil
	}
	return Anywhere, fmt.Errorf("unknown location %q", s)
}
