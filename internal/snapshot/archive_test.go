package snapshot

import (
	"encoding/json"
	"os"
	"testing"
)

func TestWriteRead(t *testing.T) {
	dir := t.TempDir()
	blobs := map[string]json.RawMessage{
		"a1": json.RawMessage(`{"state":"one"}`),
		"a2": json.RawMessage(`{"state":"two"}`),
	}

	path, err := Write(dir, "snap-1", blobs)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected archive on disk: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 blobs, got %d", len(got))
	}
	if string(got["a1"]) != `{"state":"one"}` {
		t.Fatalf("unexpected blob for a1: %s", got["a1"])
	}
	if string(got["a2"]) != `{"state":"two"}` {
		t.Fatalf("unexpected blob for a2: %s", got["a2"])
	}
}

func TestWriteEmpty(t *testing.T) {
	dir := t.TempDir()
	path, err := Write(dir, "snap-empty", nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty archive, got %d entries", len(got))
	}
}

func TestReadMissing(t *testing.T) {
	if _, err := Read("/nonexistent/snap.tar.zst"); err == nil {
		t.Fatal("expected error for missing archive")
	}
}
