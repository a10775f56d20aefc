package main

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/mvallis/fleetgate/internal/config"
)

// backupRoots returns the directories holding gateway state: the sqlite store,
// mission snapshots, and the NATS JetStream data.
func backupRoots(cfg *config.Config) []string {
	seen := make(map[string]bool)
	var roots []string
	for _, dir := range []string{filepath.Dir(cfg.Store.Path), cfg.Snapshot.Dir, cfg.NATS.DataDir} {
		dir = filepath.Clean(dir)
		if dir == "." || dir == "/" || seen[dir] {
			continue
		}
		seen[dir] = true
		roots = append(roots, dir)
	}
	return roots
}

func runBackup(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: fleetgate backup <file.tar.zst>")
	}
	out := args[0]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create backup file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	files := 0
	for _, root := range backupRoots(cfg) {
		if _, err := os.Stat(root); os.IsNotExist(err) {
			slog.Warn("skipping missing directory", "dir", root)
			continue
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}

			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = filepath.ToSlash(path)
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}

			src, err := os.Open(path)
			if err != nil {
				return err
			}
			defer src.Close()
			if _, err := io.Copy(tw, src); err != nil {
				return err
			}
			files++
			return nil
		})
		if err != nil {
			return fmt.Errorf("archive %s: %w", root, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}

	slog.Info("backup written", "file", out, "files", files)
	return nil
}

func runRestore(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: fleetgate restore <file.tar.zst>")
	}
	in := args[0]

	f, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("open backup file: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	files := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		// Reject absolute paths and traversal out of the working directory
		name := filepath.Clean(filepath.FromSlash(hdr.Name))
		if filepath.IsAbs(name) || strings.HasPrefix(name, "..") {
			return fmt.Errorf("unsafe path in archive: %s", hdr.Name)
		}

		if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", name, err)
		}
		dst, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
		if _, err := io.Copy(dst, tr); err != nil {
			dst.Close()
			return fmt.Errorf("write %s: %w", name, err)
		}
		dst.Close()
		files++
	}

	slog.Info("backup restored", "file", in, "files", files)
	return nil
}
