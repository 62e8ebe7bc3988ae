// Package chunk packs ordered records into size-bounded chunks.
package chunk

import (
	"strings"

	"github.com/TobiSchelling/sessionscope/internal/transcript"
)

// DefaultBudget is the default chunk size limit in bytes.
const DefaultBudget = 300 * 1024

// Chunk is a contiguous run of records. Its 1-based Index is its position
// in the partition.
type Chunk struct {
	Index   int
	Records []transcript.Record
	Size    int
}

// Text joins the record contents with sep.
func (c Chunk) Text(sep string) string {
	parts := make([]string, len(c.Records))
	for i, r := range c.Records {
		parts[i] = r.Content
	}
	return strings.Join(parts, sep)
}

// Partitioner splits records greedily: a record joins the current chunk
// unless that would push a non-empty chunk past the budget. A single record
// larger than the budget forms its own chunk.
type Partitioner struct {
	budget int
}

// Option configures a Partitioner.
type Option func(*Partitioner)

// WithBudget sets the byte budget. Non-positive values keep the default.
func WithBudget(n int) Option {
	return func(p *Partitioner) {
		if n > 0 {
			p.budget = n
		}
	}
}

// New creates a Partitioner.
func New(opts ...Option) *Partitioner {
	p := &Partitioner{budget: DefaultBudget}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Budget returns the configured budget in bytes.
func (p *Partitioner) Budget() int {
	return p.budget
}

// Split partitions records in order. Concatenating the chunks' records
// reproduces the input exactly.
func (p *Partitioner) Split(records []transcript.Record) []Chunk {
	var chunks []Chunk
	var current Chunk

	for _, r := range records {
		size := r.Size()
		if len(current.Records) > 0 && current.Size+size > p.budget {
			chunks = append(chunks, current)
			current = Chunk{}
		}
		current.Records = append(current.Records, r)
		current.Size += size
	}
	if len(current.Records) > 0 {
		chunks = append(chunks, current)
	}

	for i := range chunks {
		chunks[i].Index = i + 1
	}
	return chunks
}
