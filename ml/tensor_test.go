package ml

import (
	"log/slog"
	"slices"
	"strings"
	"testing"
)

func TestNewTensor(t *testing.T) {
	if _, err := NewTensor(make([]float32, 5), 2, 3); err == nil {
		t.Error("expected error for short data")
	}

	if _, err := NewTensor(nil, 2, -1); err == nil {
		t.Error("expected error for negative dimension")
	}

	tt, err := NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	if err != nil {
		t.Fatal(err)
	}

	if tt.Rank() != 2 || tt.Dim(0) != 2 || tt.Dim(1) != 3 || tt.Dim(2) != 1 {
		t.Errorf("unexpected shape %v", tt.Shape())
	}

	if !slices.Equal(tt.Row(1), []float32{4, 5, 6}) {
		t.Errorf("have %v; want [4 5 6]", tt.Row(1))
	}
}

func TestTensorViews(t *testing.T) {
	tt := Zeros(2, 2, 2)

	copied := tt.Floats()
	copied[0] = 1
	if tt.Data()[0] != 0 {
		t.Error("Floats must return a copy")
	}

	r, err := tt.Reshape(4, 2)
	if err != nil {
		t.Fatal(err)
	}

	r.Row(3)[1] = 7
	if tt.Data()[7] != 7 {
		t.Error("Reshape must share data")
	}

	if _, err := tt.Reshape(3, 3); err == nil {
		t.Error("expected error for reshape with a different size")
	}

	shape := tt.Shape()
	shape[0] = 9
	if tt.Dim(0) != 2 {
		t.Error("Shape must return a copy")
	}
}

func TestTensorLogValue(t *testing.T) {
	var sb strings.Builder
	logger := slog.New(slog.NewTextHandler(&sb, nil))
	logger.Info("tensor", "t", Zeros(3, 4))

	if !strings.Contains(sb.String(), `t.shape="[3 4]" t.dtype=f32`) {
		t.Errorf("unexpected log line %q", sb.String())
	}
}
