package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/poiesic/stagehand/core"
)

// DefaultChunkSize is the payload chunk size used when none is given.
const DefaultChunkSize = 256 << 10

// Manifest describes a payload stored as a sequence of chunks.
type Manifest struct {
	Chunks    int
	Size      int64
	ChunkSize int
	Digest    string // hex digest of the full content
	Complete  bool
}

// PutPayload streams r into the store under name, chunkSize bytes at a time.
// Only one chunk is held in memory. The manifest is written last, so a
// reader never observes a partially written payload.
func PutPayload(ctx context.Context, store StateStore, name string, r io.Reader, chunkSize int) (*Manifest, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	key := PayloadKey(name)
	digest := core.NewDigest()
	m := &Manifest{ChunkSize: chunkSize}

	if r != nil {
		buf := make([]byte, chunkSize)
		for {
			n, err := io.ReadFull(r, buf)
			if n > 0 {
				digest.Write(buf[:n])
				if setErr := store.Set(ctx, payloadChunkKey(key, m.Chunks), buf[:n], 0); setErr != nil {
					return nil, setErr
				}
				m.Chunks++
				m.Size += int64(n)
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("read payload: %w", err)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
		}
	}

	m.Digest = hex.EncodeToString(digest.Sum(nil))
	m.Complete = true
	if err := store.Set(ctx, key, MarshalManifest(m), 0); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadManifest returns the manifest of the payload stored under name.
func LoadManifest(ctx context.Context, store StateStore, name string) (*Manifest, error) {
	data, err := store.Get(ctx, PayloadKey(name))
	if err != nil {
		return nil, err
	}
	return UnmarshalManifest(data)
}

// OpenPayload returns a reader that fetches the chunks of the payload stored
// under name one at a time.
func OpenPayload(ctx context.Context, store StateStore, name string) (io.ReadCloser, *Manifest, error) {
	m, err := LoadManifest(ctx, store, name)
	if err != nil {
		return nil, nil, err
	}
	return &payloadReader{
		ctx:      ctx,
		store:    store,
		key:      PayloadKey(name),
		manifest: m,
		digest:   core.NewDigest(),
	}, m, nil
}

// DeletePayload removes a payload and its chunks.
func DeletePayload(ctx context.Context, store StateStore, name string) error {
	key := PayloadKey(name)
	// chunks of a write that never reached its manifest are removed too
	var chunks []string
	err := store.Scan(ctx, key+"#", func(chunk string, _ []byte) error {
		chunks = append(chunks, chunk)
		return nil
	})
	if err != nil {
		return err
	}
	if err := store.Delete(ctx, key); err != nil {
		return err
	}
	for _, chunk := range chunks {
		if err := store.Delete(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

type payloadReader struct {
	ctx      context.Context
	store    StateStore
	key      string
	manifest *Manifest
	next     int
	cur      []byte
	digest   hash.Hash
	closed   bool
}

func (p *payloadReader) Read(b []byte) (int, error) {
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	for len(p.cur) == 0 {
		if p.next >= p.manifest.Chunks {
			if got := hex.EncodeToString(p.digest.Sum(nil)); got != p.manifest.Digest {
				return 0, fmt.Errorf("%w: payload digest mismatch", ErrTruncatedData)
			}
			return 0, io.EOF
		}
		chunk, err := p.store.Get(p.ctx, payloadChunkKey(p.key, p.next))
		if errors.Is(err, ErrNotFound) {
			return 0, fmt.Errorf("%w: missing chunk %d of %s", ErrTruncatedData, p.next, p.key)
		}
		if err != nil {
			return 0, err
		}
		p.digest.Write(chunk)
		p.cur = chunk
		p.next++
	}
	n := copy(b, p.cur)
	p.cur = p.cur[n:]
	return n, nil
}

func (p *payloadReader) Close() error {
	p.closed = true
	p.cur = nil
	return nil
}
