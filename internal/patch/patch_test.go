package patch

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/zeebo/blake3"

	"github.com/quantarax/rdiff/internal/delta"
	"github.com/quantarax/rdiff/internal/signature"
)

func diff(t *testing.T, old, newData []byte, blockSize int) *delta.Delta {
	t.Helper()
	opts := signature.DefaultOptions()
	opts.BlockSize = blockSize
	sig, err := signature.Build(context.Background(), bytes.NewReader(old), opts)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	d, err := delta.Encode(context.Background(), sig, bytes.NewReader(newData))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return d
}

func apply(old []byte, d *delta.Delta) ([]byte, *Result, error) {
	var out bytes.Buffer
	res, err := Apply(context.Background(), bytes.NewReader(old), int64(len(old)), d.Source(), &out)
	return out.Bytes(), res, err
}

func TestApply_PrefixInserted(t *testing.T) {
	old := []byte("ABCDEFGH")
	d := diff(t, old, []byte("XXABCDEFGH"), 4)

	out, res, err := apply(old, d)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if string(out) != "XXABCDEFGH" {
		t.Errorf("Expected XXABCDEFGH, got %q", out)
	}
	if res.Copies != 2 || res.Literals != 1 || res.BytesWritten != 10 {
		t.Errorf("Unexpected result %+v", res)
	}
}

func TestApply_EmptyBasis(t *testing.T) {
	d := diff(t, nil, []byte("hello"), 4)
	out, _, err := apply(nil, d)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if string(out) != "hello" {
		t.Errorf("Expected hello, got %q", out)
	}
}

func TestApply_EmptyOutput(t *testing.T) {
	d := diff(t, []byte("ABCDEFGH"), nil, 4)
	out, res, err := apply([]byte("ABCDEFGH"), d)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(out) != 0 || res.BytesWritten != 0 {
		t.Errorf("Expected empty output, got %q", out)
	}
}

func TestApply_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(2024))
	for iter := 0; iter < 40; iter++ {
		old := make([]byte, rng.Intn(20000))
		rng.Read(old)

		var newData []byte
		switch iter % 4 {
		case 0:
			newData = append([]byte(nil), old...)
		case 1:
			newData = make([]byte, rng.Intn(5000))
			rng.Read(newData)
		case 2:
			cut := 0
			if len(old) > 0 {
				cut = rng.Intn(len(old))
			}
			newData = append(append([]byte("inserted"), old[cut:]...), old[:cut]...)
		case 3:
			newData = append([]byte(nil), old...)
			for i := 0; i < len(newData); i += 997 {
				newData[i]++
			}
		}

		bs := rng.Intn(512) + 1
		d := diff(t, old, newData, bs)
		out, _, err := apply(old, d)
		if err != nil {
			t.Fatalf("iteration %d: Apply failed: %v", iter, err)
		}
		if !bytes.Equal(out, newData) {
			t.Fatalf("iteration %d (block size %d): output mismatch", iter, bs)
		}
	}
}

func TestApply_BlockOutOfRange(t *testing.T) {
	old := []byte("ABCDEFGHIJ")
	sum := blake3.Sum256([]byte("ABCD"))

	cases := map[string]delta.Instruction{
		"past end":             delta.Copy(3, 4),
		"short final overread": delta.Copy(2, 4),
		"short non-final":      delta.Copy(0, 2),
		"negative":             delta.Copy(-1, 4),
		"longer than block":    delta.Copy(0, 5),
	}
	for name, in := range cases {
		d := &delta.Delta{BlockSize: 4, Instructions: []delta.Instruction{in}, Size: 4, Checksum: sum}
		if _, _, err := apply(old, d); !errors.Is(err, ErrBlockOutOfRange) {
			t.Errorf("%s: expected ErrBlockOutOfRange, got %v", name, err)
		}
	}

	// A copy against an empty basis is always out of range.
	d := &delta.Delta{BlockSize: 4, Instructions: []delta.Instruction{delta.Copy(0, 4)}}
	if _, _, err := apply(nil, d); !errors.Is(err, ErrBlockOutOfRange) {
		t.Errorf("Expected ErrBlockOutOfRange for empty basis, got %v", err)
	}
}

func TestApply_ChecksumMismatch(t *testing.T) {
	old := []byte("ABCDEFGH")
	d := diff(t, old, []byte("XXABCDEFGH"), 4)

	// Same length, different basis content.
	if _, _, err := apply([]byte("ABCDEFGX"), d); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("Expected ErrChecksumMismatch for modified basis, got %v", err)
	}

	d.Size++
	if _, _, err := apply(old, d); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("Expected ErrChecksumMismatch for wrong size, got %v", err)
	}
}

func TestApply_Cancelled(t *testing.T) {
	old := []byte("ABCDEFGH")
	d := diff(t, old, old, 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	if _, err := Apply(ctx, bytes.NewReader(old), int64(len(old)), d.Source(), &out); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestApplyFile(t *testing.T) {
	tmpDir := t.TempDir()
	old := bytes.Repeat([]byte("basis file content "), 200)
	newData := append(append([]byte(nil), old[:1000]...), []byte("edited")...)
	newData = append(newData, old[1000:]...)

	basisPath := filepath.Join(tmpDir, "basis")
	deltaPath := filepath.Join(tmpDir, "delta")
	outPath := filepath.Join(tmpDir, "out")
	if err := os.WriteFile(basisPath, old, 0644); err != nil {
		t.Fatalf("Failed to write basis: %v", err)
	}

	d := diff(t, old, newData, 64)
	encoded, err := d.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}
	if err := os.WriteFile(deltaPath, encoded, 0644); err != nil {
		t.Fatalf("Failed to write delta: %v", err)
	}

	res, err := ApplyFile(context.Background(), basisPath, deltaPath, outPath)
	if err != nil {
		t.Fatalf("ApplyFile failed: %v", err)
	}
	got, _ := os.ReadFile(outPath)
	if !bytes.Equal(got, newData) {
		t.Error("Patched file does not match the new file")
	}
	if res.BytesWritten != int64(len(newData)) {
		t.Errorf("Expected %d bytes written, got %d", len(newData), res.BytesWritten)
	}
}

func TestApplyFile_FailureLeavesNoOutput(t *testing.T) {
	tmpDir := t.TempDir()
	basisPath := filepath.Join(tmpDir, "basis")
	deltaPath := filepath.Join(tmpDir, "delta")
	outPath := filepath.Join(tmpDir, "out")
	os.WriteFile(basisPath, []byte("ABCD"), 0644)

	d := &delta.Delta{BlockSize: 4, Instructions: []delta.Instruction{delta.Literal([]byte("ok")), delta.Copy(7, 4)}}
	encoded, _ := d.MarshalBinary()
	os.WriteFile(deltaPath, encoded, 0644)

	if _, err := ApplyFile(context.Background(), basisPath, deltaPath, outPath); !errors.Is(err, ErrBlockOutOfRange) {
		t.Fatalf("Expected ErrBlockOutOfRange, got %v", err)
	}
	if _, err := os.Stat(outPath); !os.IsNotExist(err) {
		t.Error("No output file should be left after a failed patch")
	}

	os.WriteFile(deltaPath, []byte("garbage"), 0644)
	if _, err := ApplyFile(context.Background(), basisPath, deltaPath, outPath); !errors.Is(err, delta.ErrMalformed) {
		t.Errorf("Expected ErrMalformed, got %v", err)
	}
}

func TestApplyFile_MissingBasis(t *testing.T) {
	tmpDir := t.TempDir()
	if _, err := ApplyFile(context.Background(), filepath.Join(tmpDir, "nope"), filepath.Join(tmpDir, "delta"), filepath.Join(tmpDir, "out")); err == nil {
		t.Error("Expected error for missing basis")
	}
}
