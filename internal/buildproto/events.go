package buildproto

import (
	"encoding/json"
	"fmt"

	"voxelbench.ai/internal/voxel"
)

// Event types.
const (
	TypeHello    = "hello"
	TypeChunk    = "chunk"
	TypeComplete = "complete"
	TypePing     = "ping"
	TypeError    = "error"
)

type Source string

const (
	SourceLive     Source = "live"
	SourceArtifact Source = "artifact"
)

// Event is one of Hello, Chunk, Complete, Ping or Error.
type Event interface {
	Kind() string
	isEvent()
}

type Hello struct {
	BuildID         string     `json:"buildId"`
	Variant         Variant    `json:"variant"`
	Checksum        string     `json:"checksum"`
	ServerValidated bool       `json:"serverValidated"`
	Hints           *LoadHints `json:"buildLoadHints,omitempty"`
	TotalBlocks     int        `json:"totalBlocks"`
	ChunkCount      int        `json:"chunkCount"`
	ChunkBlockCount int        `json:"chunkBlockCount"`
	EstimatedBytes  int64      `json:"estimatedBytes"`
	Source          Source     `json:"source"`
	Pad             string     `json:"pad,omitempty"`
}

type Chunk struct {
	Index          int           `json:"index"` // 1-based
	ChunkCount     int           `json:"chunkCount"`
	ReceivedBlocks int           `json:"receivedBlocks"`
	TotalBlocks    int           `json:"totalBlocks"`
	Blocks         []voxel.Block `json:"blocks"`
}

type Complete struct {
	TotalBlocks int   `json:"totalBlocks"`
	DurationMs  int64 `json:"durationMs"`
}

type Ping struct{}

type Error struct {
	Message string `json:"message"`
}

func (Hello) Kind() string    { return TypeHello }
func (Chunk) Kind() string    { return TypeChunk }
func (Complete) Kind() string { return TypeComplete }
func (Ping) Kind() string     { return TypePing }
func (Error) Kind() string    { return TypeError }

func (Hello) isEvent()    {}
func (Chunk) isEvent()    {}
func (Complete) isEvent() {}
func (Ping) isEvent()     {}
func (Error) isEvent()    {}

// Terminal reports whether ev ends a stream.
func Terminal(ev Event) bool {
	switch ev.(type) {
	case Complete, Error:
		return true
	default:
		return false
	}
}

func (e Hello) MarshalJSON() ([]byte, error) {
	type alias Hello
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeHello, alias(e)})
}

func (e Chunk) MarshalJSON() ([]byte, error) {
	type alias Chunk
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeChunk, alias(e)})
}

func (e Complete) MarshalJSON() ([]byte, error) {
	type alias Complete
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeComplete, alias(e)})
}

func (Ping) MarshalJSON() ([]byte, error) {
	return []byte(`{"type":"ping"}`), nil
}

func (e Error) MarshalJSON() ([]byte, error) {
	type alias Error
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeError, alias(e)})
}

type baseEvent struct {
	Type string `json:"type"`
}

// Decode parses one event line. Unknown types are an error.
func Decode(line []byte) (Event, error) {
	var base baseEvent
	if err := json.Unmarshal(line, &base); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	switch base.Type {
	case TypeHello:
		var e Hello
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("decode hello: %w", err)
		}
		return e, nil
	case TypeChunk:
		var e Chunk
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("decode chunk: %w", err)
		}
		return e, nil
	case TypeComplete:
		var e Complete
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("decode complete: %w", err)
		}
		return e, nil
	case TypePing:
		return Ping{}, nil
	case TypeError:
		var e Error
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("decode error event: %w", err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", base.Type)
	}
}
