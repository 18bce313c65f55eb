package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quantarax/rdiff/internal/delta"
	"github.com/quantarax/rdiff/internal/patch"
	"github.com/quantarax/rdiff/internal/signature"
	"github.com/quantarax/rdiff/internal/strong"
	"github.com/quantarax/rdiff/internal/validation"
)

type result struct {
	code           int
	stdout, stderr string
}

func run(t *testing.T, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), append([]string{"-log-format", "json"}, args...), &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

type fixture struct {
	dir                          string
	old, new, sig, delta, output string
	oldData, newData             []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(7))
	oldData := make([]byte, 50000)
	rng.Read(oldData)
	newData := append([]byte("header inserted at the front "), oldData[:20000]...)
	newData = append(newData, []byte("middle edit")...)
	newData = append(newData, oldData[20500:]...)

	f := &fixture{
		dir:     dir,
		old:     filepath.Join(dir, "old.bin"),
		new:     filepath.Join(dir, "new.bin"),
		sig:     filepath.Join(dir, "old.sig"),
		delta:   filepath.Join(dir, "new.delta"),
		output:  filepath.Join(dir, "out.bin"),
		oldData: oldData,
		newData: newData,
	}
	writeFile(t, f.old, oldData)
	writeFile(t, f.new, newData)
	return f
}

func TestRun_RoundTrip(t *testing.T) {
	f := newFixture(t)

	if r := run(t, "signature", "-block-size", "512", f.old, f.sig); r.code != ExitOK {
		t.Fatalf("signature exited %d: %s", r.code, r.stderr)
	} else if !strings.HasPrefix(r.stdout, "signature: 98 blocks") {
		t.Errorf("Unexpected signature summary %q", r.stdout)
	}
	if r := run(t, "delta", f.sig, f.new, f.delta); r.code != ExitOK {
		t.Fatalf("delta exited %d: %s", r.code, r.stderr)
	} else if !strings.HasPrefix(r.stdout, "delta: ") {
		t.Errorf("Unexpected delta summary %q", r.stdout)
	}
	if r := run(t, "patch", f.old, f.delta, f.output); r.code != ExitOK {
		t.Fatalf("patch exited %d: %s", r.code, r.stderr)
	}

	got, err := os.ReadFile(f.output)
	if err != nil {
		t.Fatalf("Failed to read output: %v", err)
	}
	if !bytes.Equal(got, f.newData) {
		t.Fatal("Patched output does not match the modified file")
	}

	// The delta should be much smaller than the new file.
	info, _ := os.Stat(f.delta)
	if info.Size() > int64(len(f.newData))/4 {
		t.Errorf("Delta of %d bytes is too large for a %d byte file", info.Size(), len(f.newData))
	}
}

func TestRun_SignatureOptions(t *testing.T) {
	f := newFixture(t)
	if r := run(t, "signature", "-hash", "blake2b", "-strong-len", "8", "-workers", "2", f.old, f.sig); r.code != ExitOK {
		t.Fatalf("signature exited %d: %s", r.code, r.stderr)
	}

	data, _ := os.ReadFile(f.sig)
	sig := &signature.Signature{}
	if err := sig.UnmarshalBinary(data); err != nil {
		t.Fatalf("Failed to parse signature: %v", err)
	}
	if sig.Algorithm != strong.BLAKE2b || sig.StrongLen != 8 {
		t.Errorf("Unexpected hash parameters %v/%d", sig.Algorithm, sig.StrongLen)
	}
	if sig.BlockSize != signature.ChooseBlockSize(int64(len(f.oldData))) {
		t.Errorf("Expected automatic block size, got %d", sig.BlockSize)
	}

	if r := run(t, "delta", "-max-literal", "16", f.sig, f.new, f.delta); r.code != ExitOK {
		t.Fatalf("delta exited %d: %s", r.code, r.stderr)
	}
	if r := run(t, "patch", f.old, f.delta, f.output); r.code != ExitOK {
		t.Fatalf("patch exited %d: %s", r.code, r.stderr)
	}
	got, _ := os.ReadFile(f.output)
	if !bytes.Equal(got, f.newData) {
		t.Error("Patched output does not match the modified file")
	}
}

func TestRun_ConfigFileAndEnv(t *testing.T) {
	f := newFixture(t)
	cfgPath := filepath.Join(f.dir, "rdiff.yaml")
	writeFile(t, cfgPath, []byte("block_size: 1024\nhash: blake3\n"))

	if r := run(t, "-config", cfgPath, "signature", f.old, f.sig); r.code != ExitOK {
		t.Fatalf("signature exited %d: %s", r.code, r.stderr)
	}
	sig, err := readSignature(f.sig)
	if err != nil || sig.BlockSize != 1024 {
		t.Fatalf("Expected block size 1024 from config, got %v (%v)", sig, err)
	}

	t.Setenv("RDIFF_BLOCK_SIZE", "2048")
	if r := run(t, "-config", cfgPath, "signature", f.old, f.sig); r.code != ExitOK {
		t.Fatalf("signature exited %d: %s", r.code, r.stderr)
	}
	if sig, _ := readSignature(f.sig); sig.BlockSize != 2048 {
		t.Errorf("Environment should override config file, got %d", sig.BlockSize)
	}

	if r := run(t, "-config", cfgPath, "signature", "-block-size", "4096", f.old, f.sig); r.code != ExitOK {
		t.Fatalf("signature exited %d: %s", r.code, r.stderr)
	}
	if sig, _ := readSignature(f.sig); sig.BlockSize != 4096 {
		t.Errorf("Flag should override environment, got %d", sig.BlockSize)
	}
}

func readSignature(path string) (*signature.Signature, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return signature.Read(file)
}

func TestRun_SignatureCache(t *testing.T) {
	f := newFixture(t)
	cache := filepath.Join(f.dir, "cache.db")
	metricsFile := filepath.Join(f.dir, "rdiff.prom")

	for i, want := range []string{"miss", "hit"} {
		r := run(t, "-metrics-file", metricsFile, "signature", "-cache", cache, f.old, f.sig)
		if r.code != ExitOK {
			t.Fatalf("run %d: signature exited %d: %s", i, r.code, r.stderr)
		}
		prom, err := os.ReadFile(metricsFile)
		if err != nil {
			t.Fatalf("Failed to read metrics file: %v", err)
		}
		line := fmt.Sprintf(`rdiff_signature_cache_total{result=%q} 1`, want)
		if !strings.Contains(string(prom), line) {
			t.Errorf("run %d: expected %s in metrics:\n%s", i, line, prom)
		}
	}

	// Cached and fresh signatures must be byte-identical.
	cached, _ := os.ReadFile(f.sig)
	fresh := filepath.Join(f.dir, "fresh.sig")
	if r := run(t, "signature", f.old, fresh); r.code != ExitOK {
		t.Fatalf("signature exited %d: %s", r.code, r.stderr)
	}
	want, _ := os.ReadFile(fresh)
	if !bytes.Equal(cached, want) {
		t.Error("Cached signature differs from a fresh one")
	}

	r := run(t, "cache-gc", "-cache", cache, "-max-age", "1h")
	if r.code != ExitOK {
		t.Fatalf("cache-gc exited %d: %s", r.code, r.stderr)
	}
	if !strings.Contains(r.stdout, "removed 0 entries, 1 remain") {
		t.Errorf("Unexpected cache-gc summary %q", r.stdout)
	}
}

func TestRun_ExitCodes(t *testing.T) {
	f := newFixture(t)
	if r := run(t, "signature", "-block-size", "512", f.old, f.sig); r.code != ExitOK {
		t.Fatalf("signature exited %d: %s", r.code, r.stderr)
	}
	if r := run(t, "delta", f.sig, f.new, f.delta); r.code != ExitOK {
		t.Fatalf("delta exited %d: %s", r.code, r.stderr)
	}

	garbage := filepath.Join(f.dir, "garbage")
	writeFile(t, garbage, []byte("this is not a signature"))
	short := filepath.Join(f.dir, "short.bin")
	writeFile(t, short, f.oldData[:1000])
	altered := filepath.Join(f.dir, "altered.bin")
	alteredData := append([]byte(nil), f.oldData...)
	alteredData[30000] ^= 0xff
	writeFile(t, altered, alteredData)
	missing := filepath.Join(f.dir, "missing")

	cases := []struct {
		name string
		args []string
		code int
	}{
		{"no command", nil, ExitUsage},
		{"unknown command", []string{"frobnicate"}, ExitUsage},
		{"wrong arg count", []string{"signature", f.old}, ExitUsage},
		{"bad flag", []string{"delta", "-bogus", f.sig, f.new, f.delta}, ExitUsage},
		{"bad hash", []string{"signature", "-hash", "md5", f.old, f.sig}, ExitUsage},
		{"bad block size", []string{"signature", "-block-size", "-4", f.old, f.sig}, ExitUsage},
		{"bad log level", []string{"-log-level", "loud", "patch", f.old, f.delta, f.output}, ExitUsage},
		{"output is input", []string{"patch", f.old, f.delta, f.old}, ExitUsage},
		{"cache-gc without cache", []string{"cache-gc"}, ExitUsage},
		{"help", []string{"signature", "-h"}, ExitOK},
		{"missing basis", []string{"signature", missing, f.sig}, ExitIO},
		{"missing delta", []string{"patch", f.old, missing, f.output}, ExitIO},
		{"output dir missing", []string{"patch", f.old, f.delta, filepath.Join(missing, "out")}, ExitIO},
		{"malformed signature", []string{"delta", garbage, f.new, f.delta + "2"}, ExitMalformed},
		{"malformed delta", []string{"patch", f.old, garbage, f.output}, ExitMalformed},
		{"basis too short", []string{"patch", short, f.delta, f.output}, ExitCorrupt},
		{"basis altered", []string{"patch", altered, f.delta, f.output}, ExitCorrupt},
	}
	for _, tc := range cases {
		r := run(t, tc.args...)
		if r.code != tc.code {
			t.Errorf("%s: expected exit %d, got %d (stderr: %s)", tc.name, tc.code, r.code, r.stderr)
		}
	}

	if _, err := os.Stat(f.output); !os.IsNotExist(err) {
		t.Error("Failed patches must not leave an output file")
	}
}

func TestRun_FailureIsLogged(t *testing.T) {
	f := newFixture(t)
	r := run(t, "signature", filepath.Join(f.dir, "missing"), f.sig)
	if r.code != ExitIO {
		t.Fatalf("Expected exit %d, got %d", ExitIO, r.code)
	}
	if !strings.Contains(r.stderr, `"message":"command failed"`) || !strings.Contains(r.stderr, `"run_id"`) {
		t.Errorf("Expected structured failure log, got %s", r.stderr)
	}
	if !strings.Contains(r.stderr, "rdiff signature: ") {
		t.Errorf("Expected a human-readable error line, got %s", r.stderr)
	}
}

func TestParse_Commands(t *testing.T) {
	var stderr bytes.Buffer
	inv, err := Parse([]string{"delta", "-max-literal", "99", "a.sig", "b", "c.delta"}, &stderr)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	cmd, ok := inv.Command.(*DeltaCommand)
	if !ok {
		t.Fatalf("Expected *DeltaCommand, got %T", inv.Command)
	}
	want := DeltaCommand{SignaturePath: "a.sig", NewPath: "b", DeltaPath: "c.delta", MaxLiteral: 99}
	if *cmd != want {
		t.Errorf("Unexpected command %+v", *cmd)
	}

	inv, err = Parse([]string{"-log-level", "debug", "patch", "a", "b", "c"}, &stderr)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if _, ok := inv.Command.(*PatchCommand); !ok || inv.Config.LogLevel != "debug" {
		t.Errorf("Unexpected invocation %T / %s", inv.Command, inv.Config.LogLevel)
	}

	inv, err = Parse([]string{"cache-gc", "-cache", "c.db", "-max-age", "90m"}, &stderr)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	gc := inv.Command.(*CacheGCCommand)
	if gc.CachePath != "c.db" || gc.MaxAge.Minutes() != 90 {
		t.Errorf("Unexpected command %+v", *gc)
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{nil, ExitOK},
		{usagef("x"), ExitUsage},
		{fmt.Errorf("wrap: %w", validation.ErrSamePath), ExitUsage},
		{fmt.Errorf("wrap: %w", validation.ErrPathNotExists), ExitIO},
		{os.ErrPermission, ExitIO},
		{fmt.Errorf("wrap: %w", signature.ErrMalformed), ExitMalformed},
		{fmt.Errorf("wrap: %w", delta.ErrMalformed), ExitMalformed},
		{fmt.Errorf("wrap: %w", patch.ErrBlockOutOfRange), ExitCorrupt},
		{patch.ErrChecksumMismatch, ExitCorrupt},
		{errors.New("disk on fire"), ExitIO},
	}
	for _, tc := range cases {
		if got := ExitCode(tc.err); got != tc.code {
			t.Errorf("ExitCode(%v) = %d, want %d", tc.err, got, tc.code)
		}
	}
}
