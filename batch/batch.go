// Package batch provides the structured container that training engines
// consume and produce. A Batch holds named tensors aligned on their first
// dimension plus auxiliary string metadata (sequence lengths and masks travel
// as tensors; everything else as metadata).
//
// Batches passed into an engine stay owned by the caller: every reshaping
// operation here (Chunk, Slice, Concat, Clone) returns independently owned
// deep copies and never mutates its receiver or arguments.
package batch

import (
	"fmt"
	"sort"
)

// Batch is a set of equally-sized named tensors plus metadata.
type Batch struct {
	tensors map[string]*Tensor
	meta    map[string]string
	rows    int
}

// New creates an empty batch. The row count is fixed by the first Put.
func New() *Batch {
	return &Batch{
		tensors: make(map[string]*Tensor),
		meta:    make(map[string]string),
	}
}

// Len returns the number of rows, zero for an empty batch.
func (b *Batch) Len() int {
	return b.rows
}

// Put stores a tensor under name, copying it so the batch owns its data.
// The tensor's row count must match the batch; the first Put sets it.
func (b *Batch) Put(name string, t *Tensor) error {
	if name == "" {
		return fmt.Errorf("empty tensor name")
	}
	if len(b.tensors) == 0 {
		b.rows = t.Rows()
	} else if t.Rows() != b.rows {
		return fmt.Errorf("tensor %q has %d rows, batch has %d", name, t.Rows(), b.rows)
	}
	b.tensors[name] = t.Clone()
	return nil
}

// Get returns the tensor stored under name. The returned tensor is the
// batch's own copy; callers that intend to modify it should Clone it first.
func (b *Batch) Get(name string) (*Tensor, bool) {
	t, ok := b.tensors[name]
	return t, ok
}

// Keys returns the tensor names in sorted order.
func (b *Batch) Keys() []string {
	keys := make([]string, 0, len(b.tensors))
	for k := range b.tensors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetMeta stores an auxiliary metadata value.
func (b *Batch) SetMeta(key, value string) {
	b.meta[key] = value
}

// Meta returns the metadata value for key.
func (b *Batch) Meta(key string) (string, bool) {
	v, ok := b.meta[key]
	return v, ok
}

// MetaKeys returns the metadata keys in sorted order.
func (b *Batch) MetaKeys() []string {
	keys := make([]string, 0, len(b.meta))
	for k := range b.meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns an independently owned deep copy.
func (b *Batch) Clone() *Batch {
	c := New()
	c.rows = b.rows
	for k, t := range b.tensors {
		c.tensors[k] = t.Clone()
	}
	for k, v := range b.meta {
		c.meta[k] = v
	}
	return c
}

// Slice returns rows [i, j) of every tensor as a new batch. Metadata is
// carried over unchanged.
func (b *Batch) Slice(i, j int) (*Batch, error) {
	if i < 0 || j < i || j > b.rows {
		return nil, fmt.Errorf("slice [%d, %d) out of range for %d rows", i, j, b.rows)
	}
	s := New()
	s.rows = j - i
	for k, t := range b.tensors {
		s.tensors[k] = t.slice(i, j)
	}
	for k, v := range b.meta {
		s.meta[k] = v
	}
	return s, nil
}

// Chunk splits the batch into at most n contiguous parts whose sizes differ
// by at most one row, with larger parts first. A batch with fewer rows than n
// yields one single-row part per row. Parts are deep copies.
func (b *Batch) Chunk(n int) ([]*Batch, error) {
	if n < 1 {
		return nil, fmt.Errorf("chunk count %d, want at least 1", n)
	}
	if b.rows == 0 {
		return nil, fmt.Errorf("chunk of empty batch")
	}
	if n > b.rows {
		n = b.rows
	}
	parts := make([]*Batch, 0, n)
	size, rem := b.rows/n, b.rows%n
	start := 0
	for i := 0; i < n; i++ {
		end := start + size
		if i < rem {
			end++
		}
		part, err := b.Slice(start, end)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
		start = end
	}
	return parts, nil
}

// Concat concatenates batches row-wise. All parts must carry the same tensor
// keys with compatible trailing dimensions; metadata is merged and
// conflicting values are an error.
func Concat(parts []*Batch) (*Batch, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("concat of zero batches")
	}
	keys := parts[0].Keys()
	for i, p := range parts[1:] {
		if len(p.tensors) != len(keys) {
			return nil, fmt.Errorf("concat: batch %d has %d tensors, want %d", i+1, len(p.tensors), len(keys))
		}
		for _, k := range keys {
			if _, ok := p.tensors[k]; !ok {
				return nil, fmt.Errorf("concat: batch %d is missing tensor %q", i+1, k)
			}
		}
	}
	out := New()
	for _, k := range keys {
		ts := make([]*Tensor, len(parts))
		for i, p := range parts {
			ts[i] = p.tensors[k]
		}
		t, err := ConcatTensors(ts)
		if err != nil {
			return nil, fmt.Errorf("concat tensor %q: %w", k, err)
		}
		out.rows = t.Rows()
		out.tensors[k] = t
	}
	for _, p := range parts {
		for k, v := range p.meta {
			if prev, ok := out.meta[k]; ok && prev != v {
				return nil, fmt.Errorf("concat: conflicting metadata %q: %q vs %q", k, prev, v)
			}
			out.meta[k] = v
		}
	}
	return out, nil
}

// Equal reports whether two batches hold identical tensors and metadata.
func (b *Batch) Equal(o *Batch) bool {
	if o == nil || b.rows != o.rows || len(b.tensors) != len(o.tensors) || len(b.meta) != len(o.meta) {
		return false
	}
	for k, t := range b.tensors {
		ot, ok := o.tensors[k]
		if !ok || !t.Equal(ot) {
			return false
		}
	}
	for k, v := range b.meta {
		if ov, ok := o.meta[k]; !ok || ov != v {
			return false
		}
	}
	return true
}
