package safetensors

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/x448/float16"
)

// writeRaw creates a safetensors file with a hand-built header and data.
func writeRaw(t *testing.T, header map[string]any, data []byte) string {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	buf := make([]byte, 8, 8+len(headerBytes)+len(data))
	binary.LittleEndian.PutUint64(buf, uint64(len(headerBytes)))
	buf = append(buf, headerBytes...)
	buf = append(buf, data...)
	path := filepath.Join(t.TempDir(), "weights.safetensors")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestWriteThenOpen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "w.safetensors")
	in := map[string]Tensor{
		"a.weight": {Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		"b.weight": {Shape: []int{2}, Data: []float32{-1.5, 0.25}},
	}
	if err := Write(path, in, map[string]string{"format": "toy"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })

	if diff := cmp.Diff([]string{"a.weight", "b.weight"}, f.Names()); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
	if f.Metadata["format"] != "toy" {
		t.Fatalf("metadata: %v", f.Metadata)
	}
	for name, want := range in {
		got, info, err := f.ReadTensorF32(name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if diff := cmp.Diff(want.Shape, info.Shape); diff != "" {
			t.Fatalf("%s shape mismatch (-want +got):\n%s", name, diff)
		}
		if diff := cmp.Diff(want.Data, got); diff != "" {
			t.Fatalf("%s data mismatch (-want +got):\n%s", name, diff)
		}
	}

	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, _, err := f.ReadTensor("a.weight"); err == nil {
		t.Fatal("expected error reading a closed file")
	}
}

func TestWriteRejectsShapeMismatch(t *testing.T) {
	t.Parallel()

	err := Write(filepath.Join(t.TempDir(), "w.safetensors"), map[string]Tensor{
		"x": {Shape: []int{3}, Data: []float32{1}},
	}, nil)
	if err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestReadHalfPrecision(t *testing.T) {
	t.Parallel()

	values := []float32{1, -2, 0.5}
	data := make([]byte, 0, 12)
	for _, v := range values {
		data = binary.LittleEndian.AppendUint16(data, float16.Fromfloat32(v).Bits())
	}
	for _, v := range values {
		data = binary.LittleEndian.AppendUint16(data, uint16(math.Float32bits(v)>>16))
	}
	path := writeRaw(t, map[string]any{
		"h": map[string]any{"dtype": "F16", "shape": []int{3}, "data_offsets": []int64{0, 6}},
		"b": map[string]any{"dtype": "BF16", "shape": []int{3}, "data_offsets": []int64{6, 12}},
	}, data)

	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = f.Close() }()

	for _, name := range []string{"h", "b"} {
		got, _, err := f.ReadTensorF32(name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if diff := cmp.Diff(values, got); diff != "" {
			t.Fatalf("%s mismatch (-want +got):\n%s", name, diff)
		}
	}
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()

	if _, err := Open(filepath.Join(t.TempDir(), "missing.safetensors")); err == nil {
		t.Fatal("expected error for missing file")
	}

	short := filepath.Join(t.TempDir(), "short.safetensors")
	if err := os.WriteFile(short, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(short); err == nil {
		t.Fatal("expected error for truncated file")
	}

	outside := writeRaw(t, map[string]any{
		"w": map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int64{0, 16}},
	}, make([]byte, 8))
	if _, err := Open(outside); err == nil {
		t.Fatal("expected error for offsets past the data section")
	}

	inverted := writeRaw(t, map[string]any{
		"w": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{4, 0}},
	}, make([]byte, 4))
	if _, err := Open(inverted); err == nil {
		t.Fatal("expected error for inverted offsets")
	}
}

func TestReadTensorErrors(t *testing.T) {
	t.Parallel()

	path := writeRaw(t, map[string]any{
		"i": map[string]any{"dtype": "I8", "shape": []int{4}, "data_offsets": []int64{0, 4}},
		"f": map[string]any{"dtype": "F32", "shape": []int{2}, "data_offsets": []int64{4, 8}},
	}, make([]byte, 8))
	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = f.Close() }()

	if _, _, err := f.ReadTensorF32("missing"); err == nil {
		t.Fatal("expected not found error")
	}
	if _, _, err := f.ReadTensorF32("i"); err == nil {
		t.Fatal("expected unsupported dtype error")
	}
	if _, _, err := f.ReadTensorF32("f"); err == nil {
		t.Fatal("expected size mismatch error")
	}
}
