package zdb

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestDump(t *testing.T, entries []DumpEntry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.zdb")
	if err := WriteDump(path, CurrentVersion, entries); err != nil {
		t.Fatalf("WriteDump: %v", err)
	}
	return path
}

func TestDumpRoundTrip(t *testing.T) {
	entries := []DumpEntry{
		{Key: []byte("alpha"), Value: StrValue([]byte("one"))},
		{Key: []byte("beta"), Value: IntValue(-7)},
		{Key: []byte("gamma"), Value: Value{Kind: KindList, List: [][]byte{[]byte("x"), []byte("y")}}},
	}
	path := writeTestDump(t, entries)

	got, err := ReadDumpFile(path)
	if err != nil {
		t.Fatalf("ReadDumpFile: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for i := range entries {
		if !bytes.Equal(got[i].Key, entries[i].Key) {
			t.Errorf("entry %d key = %q, want %q", i, got[i].Key, entries[i].Key)
		}
		if !got[i].Value.Equal(entries[i].Value) {
			t.Errorf("entry %d value mismatch", i)
		}
	}
}

func TestDumpEmptyIsValid(t *testing.T) {
	path := writeTestDump(t, nil)
	got, err := ReadDumpFile(path)
	if err != nil {
		t.Fatalf("empty dump should parse: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d entries, want 0", len(got))
	}
}

func TestDumpCRCMismatch(t *testing.T) {
	path := writeTestDump(t, []DumpEntry{
		{Key: []byte("k"), Value: StrValue([]byte("payload that matters"))},
	})
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// Flip one bit inside an entry; the trailing CRC no longer matches.
	data[len(data)/2] ^= 0x01

	_, err = ReadDump(bytes.NewReader(data))
	if !IsCorrupted(err) {
		t.Fatalf("expected CorruptedDataError, got %v", err)
	}
	if !strings.Contains(err.Error(), "CRC") {
		t.Errorf("error should mention CRC: %v", err)
	}
}

func TestDumpBadMagic(t *testing.T) {
	_, err := NewParser(bytes.NewReader([]byte{'X', 'D', 'B', 0, 0, 3, 0, 0}))
	if !IsCorrupted(err) {
		t.Fatalf("expected CorruptedDataError, got %v", err)
	}
}

func TestDumpLegacyHeuristic(t *testing.T) {
	// A headerless stream starting with a plausible value tag.
	legacy := []byte{TagStr, 0x03, 'a', 'b', 'c'}
	_, err := NewParser(bytes.NewReader(legacy))
	var ve *UnsupportedVersionError
	if !errors.As(err, &ve) {
		t.Fatalf("expected UnsupportedVersionError, got %v", err)
	}
}

func TestDumpFutureVersionRefused(t *testing.T) {
	header := []byte{'Z', 'D', 'B', 0, 0, 9, 0, 0}
	_, err := NewParser(bytes.NewReader(header))
	var ve *UnsupportedVersionError
	if !errors.As(err, &ve) {
		t.Fatalf("expected UnsupportedVersionError, got %v", err)
	}
	if ve.Found != 9 {
		t.Errorf("Found = %d, want 9", ve.Found)
	}
}

func TestDumpTruncatedAfterHeaderIsEmpty(t *testing.T) {
	// A writer that died right after the header lost nothing.
	header := []byte{'Z', 'D', 'B', 0, 0, 3, 0, 0}
	p, err := NewParser(bytes.NewReader(header))
	if err != nil {
		t.Fatal(err)
	}
	h := NewCountHandler()
	if err := p.Parse(h); err != nil {
		t.Fatalf("truncation before any entry should be clean: %v", err)
	}
	if h.Count() != 0 {
		t.Fatalf("count = %d, want 0", h.Count())
	}
	if !h.Stats().Truncated {
		t.Error("stats should mark the stream truncated")
	}
}

func TestDumpTruncatedMidEntry(t *testing.T) {
	path := writeTestDump(t, []DumpEntry{
		{Key: []byte("first"), Value: StrValue([]byte("complete"))},
		{Key: []byte("second"), Value: StrValue(bytes.Repeat([]byte("x"), 200))},
	})
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewParser(bytes.NewReader(data[:len(data)-100]))
	if err != nil {
		t.Fatal(err)
	}
	err = p.Parse(NewCollectHandler())
	if !IsUnexpectedEof(err) {
		t.Fatalf("expected UnexpectedEofError, got %v", err)
	}
}

func TestDumpCompressedEntries(t *testing.T) {
	big := StrValue(bytes.Repeat([]byte("large repeated value "), 50))
	small := StrValue([]byte("tiny"))

	path := filepath.Join(t.TempDir(), "comp.zdb")
	w, err := NewDumpWriter(path, CurrentVersion, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AddCompressedEntry([]byte("big"), big); err != nil {
		t.Fatal(err)
	}
	if err := w.AddCompressedEntry([]byte("small"), small); err != nil {
		t.Fatal(err)
	}
	if err := w.Finish(); err != nil {
		t.Fatal(err)
	}

	got, err := ReadDumpFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if !got[0].Value.Equal(big) || !got[1].Value.Equal(small) {
		t.Fatal("compressed dump round trip mismatch")
	}
}

func TestDumpWriterAtomicity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "atomic.zdb")
	w, err := NewDumpWriter(path, CurrentVersion, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AddEntry([]byte("k"), IntValue(1)); err != nil {
		t.Fatal(err)
	}
	// Before Finish the destination must not exist.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("destination exists before Finish")
	}
	w.Abort()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("destination exists after Abort")
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Fatalf("Abort left %d files behind", len(files))
	}
}

func TestDumpUnsupportedWriteVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.zdb")
	_, err := NewDumpWriter(path, FormatVersion(99), 0)
	var ve *UnsupportedVersionError
	if !errors.As(err, &ve) {
		t.Fatalf("expected UnsupportedVersionError, got %v", err)
	}
}

func TestParserHandlers(t *testing.T) {
	entries := []DumpEntry{
		{Key: []byte("user:1"), Value: IntValue(1)},
		{Key: []byte("user:2"), Value: IntValue(2)},
		{Key: []byte("session:9"), Value: IntValue(9)},
	}
	path := writeTestDump(t, entries)

	t.Run("count", func(t *testing.T) {
		f, err := os.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		p, err := NewParser(f)
		if err != nil {
			t.Fatal(err)
		}
		h := NewCountHandler()
		if err := p.Parse(h); err != nil {
			t.Fatal(err)
		}
		if h.Count() != 3 {
			t.Errorf("count = %d, want 3", h.Count())
		}
		if !h.Stats().CRCOK {
			t.Error("CRC should verify")
		}
	})

	t.Run("filter", func(t *testing.T) {
		f, err := os.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		p, err := NewParser(f)
		if err != nil {
			t.Fatal(err)
		}
		collect := NewCollectHandler()
		filter := NewFilterHandler(collect, func(key []byte, _ Value) bool {
			return bytes.HasPrefix(key, []byte("user:"))
		})
		if err := p.Parse(filter); err != nil {
			t.Fatal(err)
		}
		if len(collect.Entries()) != 2 {
			t.Errorf("filtered to %d entries, want 2", len(collect.Entries()))
		}
	})

	t.Run("callback", func(t *testing.T) {
		f, err := os.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		p, err := NewParser(f)
		if err != nil {
			t.Fatal(err)
		}
		var keys []string
		h := NewCallbackHandler(func(key []byte, _ Value) error {
			keys = append(keys, string(key))
			return nil
		})
		if err := p.Parse(h); err != nil {
			t.Fatal(err)
		}
		if len(keys) != 3 || keys[0] != "user:1" {
			t.Errorf("callback saw %v", keys)
		}
	})

	t.Run("transform", func(t *testing.T) {
		f, err := os.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		p, err := NewParser(f)
		if err != nil {
			t.Fatal(err)
		}
		collect := NewCollectHandler()
		tr := NewTransformHandler(collect, func(key []byte, v Value) ([]byte, Value) {
			if bytes.HasPrefix(key, []byte("session:")) {
				return nil, Value{} // drop
			}
			return append([]byte("v2:"), key...), v
		})
		if err := p.Parse(tr); err != nil {
			t.Fatal(err)
		}
		got := collect.Entries()
		if len(got) != 2 {
			t.Fatalf("got %d entries, want 2", len(got))
		}
		if string(got[0].Key) != "v2:user:1" {
			t.Errorf("transformed key = %q", got[0].Key)
		}
	})
}

func TestParserSkipEntryOnHandlerError(t *testing.T) {
	entries := []DumpEntry{
		{Key: []byte("good1"), Value: IntValue(1)},
		{Key: []byte("bad"), Value: IntValue(2)},
		{Key: []byte("good2"), Value: IntValue(3)},
	}
	path := writeTestDump(t, entries)
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	p, err := NewParser(f)
	if err != nil {
		t.Fatal(err)
	}
	h := &skippingHandler{}
	if err := p.Parse(h); err != nil {
		t.Fatalf("SkipEntry should swallow the failure: %v", err)
	}
	if h.seen != 3 || h.skipped != 1 {
		t.Errorf("seen=%d skipped=%d, want 3/1", h.seen, h.skipped)
	}
}

type skippingHandler struct {
	seen    int
	skipped int
}

func (h *skippingHandler) OnHeader(FormatVersion, uint16) error { return nil }

func (h *skippingHandler) OnEntry(key []byte, _ Value) error {
	h.seen++
	if string(key) == "bad" {
		return errors.New("reject")
	}
	return nil
}

func (h *skippingHandler) OnEnd(Stats) error { return nil }

func (h *skippingHandler) OnError([]byte, error) ErrorAction {
	h.skipped++
	return SkipEntry
}
