// Package streaming implements the bounded-memory chunking and upload
// pipeline from spec.md §4.4, grounded on the teacher's bounded
// producer/consumer handoff idiom (a small buffered channel between a
// producer goroutine and the consumer loop) generalized here to chunk
// payload readers instead of log lines.
package streaming

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// Chunk is one lazily-read slice of the payload, produced by Chunker.Next.
type Chunk struct {
	Ordinal int
	Offset  int64
	Data    []byte
	Hash    string // sha256 hex of Data
}

// Chunker reads a payload source as a lazy sequence of fixed-size chunks,
// maintaining a running aggregate hash over the whole stream as it goes.
// It never buffers more than one chunk at a time internally.
type Chunker struct {
	r         io.Reader
	size      int
	ordinal   int
	offset    int64
	aggregate hash.Hash
	done      bool
}

// NewChunker wraps r, reading fixed-size chunks of size bytes (the final
// chunk may be shorter).
func NewChunker(r io.Reader, size int) *Chunker {
	return &Chunker{r: r, size: size, aggregate: sha256.New()}
}

// Next returns the next chunk, or io.EOF once the source is exhausted. It
// allocates exactly one buffer of at most `size` bytes per call.
func (c *Chunker) Next(ctx context.Context) (Chunk, error) {
	if c.done {
		return Chunk{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}

	buf := make([]byte, c.size)
	n, err := io.ReadFull(c.r, buf)
	if n == 0 && (err == io.EOF || err == io.ErrUnexpectedEOF) {
		c.done = true
		return Chunk{}, io.EOF
	}
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return Chunk{}, err
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		c.done = true
	}

	buf = buf[:n]
	c.aggregate.Write(buf)

	sum := sha256.Sum256(buf)
	chunk := Chunk{
		Ordinal: c.ordinal,
		Offset:  c.offset,
		Data:    buf,
		Hash:    hex.EncodeToString(sum[:]),
	}
	c.ordinal++
	c.offset += int64(n)
	return chunk, nil
}

// AggregateHash returns the running SHA-256 over every byte read so far,
// hex-encoded. Only meaningful after the source is fully consumed.
func (c *Chunker) AggregateHash() string {
	return hex.EncodeToString(c.aggregate.Sum(nil))
}

// BytesRead returns the total number of payload bytes consumed so far.
func (c *Chunker) BytesRead() int64 { return c.offset }
