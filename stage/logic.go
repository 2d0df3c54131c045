package stage

import (
	"bytes"
	"context"
	"io"
	"strings"
)

// Input is what a stage receives. The upstream payload is only read through
// Open, in chunks of at most ChunkSize bytes where the stage can honor it.
type Input struct {
	ItemID   string
	ItemType string
	Stage    string
	// Attempt is 1 for the first execution of this stage.
	Attempt int
	// ChunkSize is the preferred read size. It halves with every resource
	// exhaustion failure of this stage.
	ChunkSize int
	// Size is the upstream payload size in bytes, 0 when there is none.
	Size int64

	open func() (io.ReadCloser, error)
}

// NewInput builds an Input whose Open calls open. Used by tests and custom
// drivers of Logic.
func NewInput(itemID, stage string, open func() (io.ReadCloser, error)) Input {
	return Input{ItemID: itemID, Stage: stage, Attempt: 1, open: open}
}

// Open returns a reader over the upstream payload. Items without input
// yield an empty reader.
func (in Input) Open() (io.ReadCloser, error) {
	if in.open == nil {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return in.open()
}

// Output is a stage's direct result. Body is streamed into the state store
// and closed afterwards if it implements io.Closer.
type Output struct {
	Body io.Reader
}

// Bytes wraps b as an Output.
func Bytes(b []byte) Output {
	return Output{Body: bytes.NewReader(b)}
}

// Logic is the stage work delegated to an external collaborator. It must
// be idempotent or deterministic for identical input.
type Logic interface {
	Run(ctx context.Context, in Input) (Output, error)
}

// LogicFunc adapts a function to Logic.
type LogicFunc func(ctx context.Context, in Input) (Output, error)

func (f LogicFunc) Run(ctx context.Context, in Input) (Output, error) {
	return f(ctx, in)
}
