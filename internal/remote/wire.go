package remote

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tarungka/telepipe/internal/models"
	"github.com/tarungka/telepipe/internal/node"
	"github.com/tarungka/telepipe/internal/operator"
)

// FrameType tags a message on a session stream.
type FrameType uint8

const (
	// client to server
	FrameOpen FrameType = iota + 1
	FrameRun
	FrameAttach
	FrameRelayStarted
	FrameExit
	FramePause
	FrameResume
	FrameRelayDown

	// server to client
	FrameStarted
	FrameRelayAttach
	FrameDown

	// both directions: into a remote node, or out of the relay
	FramePush
	FrameClose
)

// Frame is the single message type of a session. Which fields are set
// depends on Type.
type Frame struct {
	Type   FrameType
	Seq    uint64
	Node   string
	Nodes  []string
	Next   []string
	Relay  bool
	Kind   uint8
	Reason uint8
	Batch  *WireBatch
	Error  *WireError
}

type PingRequest struct{}

type PingResponse struct {
	Operators []string
	Nodes     int
}

type SpawnRequest struct {
	Operators []operator.Spec
}

type SpawnResponse struct {
	Nodes []string
}

// WireBatch carries a batch. Events travel as JSON.
type WireBatch struct {
	Kind   uint8
	Chunk  []byte
	Events []byte
}

func encodeBatch(b models.Batch) (*WireBatch, error) {
	if models.IsIdle(b) {
		return nil, nil
	}
	switch b.Kind() {
	case models.KindNone:
		return nil, nil
	case models.KindBytes:
		return &WireBatch{Kind: uint8(models.KindBytes), Chunk: b.(models.Chunk)}, nil
	case models.KindEvents:
		raw, err := json.Marshal(b.(models.Events))
		if err != nil {
			return nil, err
		}
		return &WireBatch{Kind: uint8(models.KindEvents), Events: raw}, nil
	}
	return nil, fmt.Errorf("cannot encode batch of kind %s", b.Kind())
}

func decodeBatch(w *WireBatch) (models.Batch, error) {
	if w == nil {
		return nil, nil
	}
	switch models.Kind(w.Kind) {
	case models.KindNone:
		return nil, nil
	case models.KindBytes:
		return models.Chunk(w.Chunk), nil
	case models.KindEvents:
		var events models.Events
		if err := json.Unmarshal(w.Events, &events); err != nil {
			return nil, err
		}
		return events, nil
	}
	return nil, fmt.Errorf("cannot decode batch of kind %d", w.Kind)
}

// WireError carries an error across the session. Well-known sentinels and
// type clashes survive the trip.
type WireError struct {
	Message  string
	Code     string
	Operator string
	Input    uint8
	Clash    bool
}

var errorCodes = map[string]error{
	"already_started": node.ErrAlreadyStarted,
	"closed_pipeline": node.ErrClosedPipeline,
	"open_pipeline":   node.ErrOpenPipeline,
	"unreachable":     node.ErrUnreachable,
	"unknown":         operator.ErrUnknownOperator,
}

// RemoteError is an error that happened on the peer.
type RemoteError struct {
	Message string
	Code    string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Is(target error) bool {
	sentinel, ok := errorCodes[e.Code]
	return ok && sentinel == target
}

func encodeError(err error) *WireError {
	if err == nil {
		return nil
	}
	w := &WireError{Message: err.Error()}
	for code, sentinel := range errorCodes {
		if errors.Is(err, sentinel) {
			w.Code = code
			break
		}
	}
	var clash *operator.TypeClashError
	if errors.As(err, &clash) {
		w.Clash = true
		w.Operator = clash.Operator
		w.Input = uint8(clash.Input)
	}
	return w
}

func decodeError(w *WireError) error {
	if w == nil {
		return nil
	}
	remote := &RemoteError{Message: w.Message, Code: w.Code}
	if w.Clash {
		return &operator.TypeClashError{Operator: w.Operator, Input: models.Kind(w.Input), Err: remote}
	}
	return remote
}

func termination(f *Frame) node.Termination {
	return node.Termination{Reason: node.Reason(f.Reason), Err: decodeError(f.Error)}
}
