package snapshot

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Write archives the serialized agent state blobs of one mission save into a
// tar.zst file under dir and returns its path. Each agent becomes one
// <agentID>.json entry.
func Write(dir, snapshotID string, blobs map[string]json.RawMessage) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	path := filepath.Join(dir, snapshotID+".tar.zst")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create snapshot file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return "", fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	now := time.Now()
	for agentID, blob := range blobs {
		hdr := &tar.Header{
			Name:    agentID + ".json",
			Mode:    0o644,
			Size:    int64(len(blob)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return "", fmt.Errorf("write tar header: %w", err)
		}
		if _, err := tw.Write(blob); err != nil {
			return "", fmt.Errorf("write agent blob: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("close zstd: %w", err)
	}
	return path, nil
}

// Read loads a snapshot archive back into agentID → state blob form.
func Read(path string) (map[string]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	blobs := make(map[string]json.RawMessage)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read agent blob %s: %w", hdr.Name, err)
		}
		agentID := hdr.Name
		if ext := filepath.Ext(agentID); ext == ".json" {
			agentID = agentID[:len(agentID)-len(ext)]
		}
		blobs[agentID] = data
	}
	return blobs, nil
}
