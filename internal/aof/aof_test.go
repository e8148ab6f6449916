package aof

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zumicdb/zumic/internal/zdb"
)

func openTestWriter(t *testing.T, path string) *Writer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SyncPolicy = SyncAlways
	w, err := Open(path, cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return w
}

func replayAll(t *testing.T, path string) ([]Op, ReplayStats) {
	t.Helper()
	var ops []Op
	stats, err := Replay(path, DefaultReplayOptions(), func(op Op) error {
		ops = append(ops, op)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	return ops, stats
}

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.aof")
	w := openTestWriter(t, path)

	if err := w.AppendSet([]byte("k1"), zdb.StrValue([]byte("v1"))); err != nil {
		t.Fatal(err)
	}
	if err := w.AppendSet([]byte("k2"), zdb.IntValue(42)); err != nil {
		t.Fatal(err)
	}
	if err := w.AppendDel([]byte("k1")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	ops, stats := replayAll(t, path)
	if len(ops) != 3 {
		t.Fatalf("replayed %d ops, want 3", len(ops))
	}
	if ops[0].Code != OpSet || string(ops[0].Key) != "k1" {
		t.Errorf("op 0 = %+v", ops[0])
	}
	if !ops[1].Value.Equal(zdb.IntValue(42)) {
		t.Errorf("op 1 value mismatch")
	}
	if ops[2].Code != OpDel || string(ops[2].Key) != "k1" {
		t.Errorf("op 2 = %+v", ops[2])
	}
	if stats.Records != 3 || stats.TailTruncated {
		t.Errorf("stats = %+v", stats)
	}
}

func TestReplayMissingFile(t *testing.T) {
	ops, stats := replayAll(t, filepath.Join(t.TempDir(), "absent.aof"))
	if len(ops) != 0 || stats.Records != 0 {
		t.Fatalf("missing file should replay nothing, got %d ops", len(ops))
	}
}

func TestReplayTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.aof")
	w := openTestWriter(t, path)
	for i := 0; i < 5; i++ {
		if err := w.AppendSet([]byte{byte('a' + i)}, zdb.IntValue(int64(i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	// Chop off the last few bytes as if the process died mid-append.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data[:len(data)-5], 0o644); err != nil {
		t.Fatal(err)
	}

	ops, stats := replayAll(t, path)
	if len(ops) != 4 {
		t.Fatalf("replayed %d ops, want 4", len(ops))
	}
	if !stats.TailTruncated {
		t.Error("stats should mark the tail truncated")
	}

	// RepairTail rewrote the file; a second replay is clean.
	ops2, stats2 := replayAll(t, path)
	if len(ops2) != 4 || stats2.TailTruncated {
		t.Fatalf("post-repair replay: %d ops, truncated=%v", len(ops2), stats2.TailTruncated)
	}
}

func TestReplayMidLogCorruptionFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.aof")
	w := openTestWriter(t, path)
	for i := 0; i < 5; i++ {
		if err := w.AppendSet([]byte{byte('a' + i)}, zdb.StrValue(bytes.Repeat([]byte("x"), 32))); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	// Damage a payload byte in the second record, leaving later records valid.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	recLen := len(data) / 5
	data[recLen+recLen/2] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = Replay(path, DefaultReplayOptions(), func(Op) error { return nil })
	var ce *zdb.CorruptedDataError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CorruptedDataError, got %v", err)
	}
	if ce.Offset != int64(recLen) {
		t.Errorf("corruption offset = %d, want %d (start of damaged record)", ce.Offset, recLen)
	}
	if !strings.Contains(ce.Hint, "restore from snapshot") {
		t.Errorf("hint = %q, want restore-from-snapshot guidance", ce.Hint)
	}
}

func TestReplayCallbackErrorStops(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stop.aof")
	w := openTestWriter(t, path)
	for i := 0; i < 3; i++ {
		if err := w.AppendDel([]byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	seen := 0
	_, err := Replay(path, DefaultReplayOptions(), func(Op) error {
		seen++
		if seen == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if seen != 2 {
		t.Errorf("saw %d ops before stop, want 2", seen)
	}
}

func TestRewriteCompacts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rewrite.aof")
	w := openTestWriter(t, path)
	// Many overwrites of the same key.
	for i := 0; i < 100; i++ {
		if err := w.AppendSet([]byte("hot"), zdb.IntValue(int64(i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	before, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := Rewrite(path, zdb.CurrentVersion, []zdb.DumpEntry{
		{Key: []byte("hot"), Value: zdb.IntValue(99)},
	}); err != nil {
		t.Fatal(err)
	}
	after, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if after.Size() >= before.Size() {
		t.Errorf("rewrite did not shrink the log: %d -> %d", before.Size(), after.Size())
	}

	ops, _ := replayAll(t, path)
	if len(ops) != 1 || !ops[0].Value.Equal(zdb.IntValue(99)) {
		t.Fatalf("rewritten log should hold the final state, got %+v", ops)
	}
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	return info.Size()
}

func TestSyncEveryNBatchesFsyncs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "everyn.aof")
	cfg := DefaultConfig()
	cfg.SyncPolicy = SyncEveryN
	cfg.EveryN = 3
	w, err := Open(path, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := w.AppendDel([]byte("key")); err != nil {
			t.Fatal(err)
		}
	}
	if got := fileSize(t, path); got != 0 {
		t.Fatalf("file holds %d bytes before the third append", got)
	}

	if err := w.AppendDel([]byte("key")); err != nil {
		t.Fatal(err)
	}
	if got := fileSize(t, path); got != w.Size() {
		t.Errorf("file holds %d bytes after the third append, want %d", got, w.Size())
	}

	// The counter restarts after each batch.
	if err := w.AppendDel([]byte("key")); err != nil {
		t.Fatal(err)
	}
	if got := fileSize(t, path); got == w.Size() {
		t.Error("fourth append should sit in the buffer until the batch fills")
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSyncPerIntervalFlushesInBackground(t *testing.T) {
	path := filepath.Join(t.TempDir(), "interval.aof")
	cfg := DefaultConfig()
	cfg.SyncPolicy = SyncPerInterval
	cfg.Interval = 10 * time.Millisecond
	w, err := Open(path, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.AppendDel([]byte("key")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fileSize(t, path) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("background sync never flushed the record")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWriterSizeTracksAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "size.aof")
	w := openTestWriter(t, path)
	if w.Size() != 0 {
		t.Fatalf("fresh log size = %d", w.Size())
	}
	if err := w.AppendDel([]byte("key")); err != nil {
		t.Fatal(err)
	}
	want := int64(8 + 1 + 1 + 3) // header + opcode + varint keylen + key
	if w.Size() != want {
		t.Errorf("size = %d, want %d", w.Size(), want)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != want {
		t.Errorf("file size = %d, want %d", info.Size(), want)
	}
}
