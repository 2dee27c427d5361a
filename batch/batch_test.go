package batch

import "testing"

func mustTensor(t *testing.T, shape []int, data []float32) *Tensor {
	t.Helper()
	tn, err := NewTensor(shape, data)
	if err != nil {
		t.Fatalf("NewTensor(%v): %v", shape, err)
	}
	return tn
}

func makeTestBatch(t *testing.T, rows int) *Batch {
	t.Helper()
	b := New()
	inputs := make([]float32, rows*2)
	labels := make([]float32, rows)
	for i := 0; i < rows; i++ {
		inputs[2*i] = float32(i)
		inputs[2*i+1] = float32(i) + 0.5
		labels[i] = float32(i * 10)
	}
	if err := b.Put("inputs", mustTensor(t, []int{rows, 2}, inputs)); err != nil {
		t.Fatalf("Put inputs: %v", err)
	}
	if err := b.Put("labels", mustTensor(t, []int{rows}, labels)); err != nil {
		t.Fatalf("Put labels: %v", err)
	}
	b.SetMeta("source", "test")
	return b
}

func TestNewTensorValidation(t *testing.T) {
	tests := []struct {
		name    string
		shape   []int
		data    []float32
		wantErr bool
	}{
		{"ok vector", []int{3}, []float32{1, 2, 3}, false},
		{"ok matrix", []int{2, 2}, []float32{1, 2, 3, 4}, false},
		{"ok empty rows", []int{0, 4}, nil, false},
		{"empty shape", nil, []float32{1}, true},
		{"negative dim", []int{-1, 2}, []float32{1, 2}, true},
		{"size mismatch", []int{2, 2}, []float32{1, 2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTensor(tt.shape, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewTensor(%v) error = %v, wantErr %v", tt.shape, err, tt.wantErr)
			}
		})
	}
}

func TestPutRowMismatch(t *testing.T) {
	b := New()
	if err := b.Put("a", mustTensor(t, []int{4}, []float32{1, 2, 3, 4})); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	if err := b.Put("b", mustTensor(t, []int{3}, []float32{1, 2, 3})); err == nil {
		t.Error("Put with mismatched rows succeeded, want error")
	}
	if b.Len() != 4 {
		t.Errorf("Len() = %d, want 4", b.Len())
	}
}

func TestPutCopiesData(t *testing.T) {
	b := New()
	src := mustTensor(t, []int{2}, []float32{1, 2})
	if err := b.Put("a", src); err != nil {
		t.Fatalf("Put: %v", err)
	}

	src.Data[0] = 99
	got, _ := b.Get("a")
	if got.Data[0] != 1 {
		t.Errorf("batch tensor changed after mutating source: got %v", got.Data[0])
	}
}

func TestChunkSizes(t *testing.T) {
	tests := []struct {
		rows  int
		n     int
		sizes []int
	}{
		{6, 2, []int{3, 3}},
		{7, 2, []int{4, 3}},
		{5, 3, []int{2, 2, 1}},
		{2, 4, []int{1, 1}},
		{1, 1, []int{1}},
	}

	for _, tt := range tests {
		b := makeTestBatch(t, tt.rows)
		parts, err := b.Chunk(tt.n)
		if err != nil {
			t.Fatalf("Chunk(%d rows, n=%d): %v", tt.rows, tt.n, err)
		}
		if len(parts) != len(tt.sizes) {
			t.Fatalf("Chunk(%d rows, n=%d) = %d parts, want %d", tt.rows, tt.n, len(parts), len(tt.sizes))
		}
		for i, p := range parts {
			if p.Len() != tt.sizes[i] {
				t.Errorf("Chunk(%d rows, n=%d) part %d has %d rows, want %d", tt.rows, tt.n, i, p.Len(), tt.sizes[i])
			}
		}
	}
}

func TestChunkConcatRoundTrip(t *testing.T) {
	b := makeTestBatch(t, 7)
	parts, err := b.Chunk(3)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}

	got, err := Concat(parts)
	if err != nil {
		t.Fatalf("Concat: %v", err)
	}
	if !got.Equal(b) {
		t.Error("Concat(Chunk(b)) != b")
	}
}

func TestChunkOwnership(t *testing.T) {
	b := makeTestBatch(t, 4)
	parts, err := b.Chunk(2)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}

	// Mutating a chunk must not leak into the source batch.
	pt, _ := parts[0].Get("inputs")
	pt.Data[0] = -1

	orig, _ := b.Get("inputs")
	if orig.Data[0] == -1 {
		t.Error("mutating a chunk modified the source batch")
	}
}

func TestConcatMissingKey(t *testing.T) {
	a := New()
	if err := a.Put("x", mustTensor(t, []int{1}, []float32{1})); err != nil {
		t.Fatalf("Put: %v", err)
	}
	b := New()
	if err := b.Put("y", mustTensor(t, []int{1}, []float32{2})); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := Concat([]*Batch{a, b}); err == nil {
		t.Error("Concat with mismatched keys succeeded, want error")
	}
}

func TestConcatMetaConflict(t *testing.T) {
	a := makeTestBatch(t, 2)
	b := makeTestBatch(t, 2)
	b.SetMeta("source", "other")

	if _, err := Concat([]*Batch{a, b}); err == nil {
		t.Error("Concat with conflicting metadata succeeded, want error")
	}
}

func TestSliceBounds(t *testing.T) {
	b := makeTestBatch(t, 3)

	if _, err := b.Slice(-1, 2); err == nil {
		t.Error("Slice(-1, 2) succeeded, want error")
	}
	if _, err := b.Slice(0, 4); err == nil {
		t.Error("Slice(0, 4) succeeded, want error")
	}
	s, err := b.Slice(1, 3)
	if err != nil {
		t.Fatalf("Slice(1, 3): %v", err)
	}
	if s.Len() != 2 {
		t.Errorf("Slice(1, 3).Len() = %d, want 2", s.Len())
	}
	got, _ := s.Get("labels")
	if got.Data[0] != 10 || got.Data[1] != 20 {
		t.Errorf("Slice(1, 3) labels = %v, want [10 20]", got.Data)
	}
}

func TestEqual(t *testing.T) {
	a := makeTestBatch(t, 3)
	b := makeTestBatch(t, 3)
	if !a.Equal(b) {
		t.Error("identical batches not Equal")
	}

	c := makeTestBatch(t, 3)
	ct, _ := c.Get("inputs")
	ct.Data[0] = 42
	if a.Equal(c) {
		t.Error("batches with different values reported Equal")
	}

	d := makeTestBatch(t, 3)
	d.SetMeta("extra", "1")
	if a.Equal(d) {
		t.Error("batches with different metadata reported Equal")
	}
}

func TestConcatTensorsShapeMismatch(t *testing.T) {
	a := mustTensor(t, []int{2, 2}, []float32{1, 2, 3, 4})
	b := mustTensor(t, []int{2, 3}, []float32{1, 2, 3, 4, 5, 6})

	if _, err := ConcatTensors([]*Tensor{a, b}); err == nil {
		t.Error("ConcatTensors with mismatched trailing dims succeeded, want error")
	}
}

func TestTensorRow(t *testing.T) {
	tn := mustTensor(t, []int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	row := tn.Row(1)
	if len(row) != 3 || row[0] != 4 || row[2] != 6 {
		t.Errorf("Row(1) = %v, want [4 5 6]", row)
	}
}
