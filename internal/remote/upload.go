package remote

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// treeWriter is the subset of a remote filesystem an upload needs.
type treeWriter interface {
	MkdirAll(path string) error
	WriteFile(path string, r io.Reader, mode os.FileMode) error
}

// uploadTree mirrors localPath into remotePath. Symlinks and other special
// files are skipped; the VM gets regular files and directories only.
func uploadTree(ctx context.Context, w treeWriter, localPath, remotePath string, exclude ExcludeFunc) (UploadStats, error) {
	var stats UploadStats

	info, err := os.Stat(localPath)
	if err != nil {
		return stats, fmt.Errorf("stat source: %w", err)
	}
	if !info.IsDir() {
		return stats, fmt.Errorf("source %s is not a directory", localPath)
	}

	if err := w.MkdirAll(remotePath); err != nil {
		return stats, fmt.Errorf("create %s: %w", remotePath, err)
	}

	err = filepath.WalkDir(localPath, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == localPath {
			return nil
		}

		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if exclude != nil && exclude(rel, d) {
			stats.Skipped++
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := path.Join(remotePath, rel)
		switch {
		case d.IsDir():
			if err := w.MkdirAll(target); err != nil {
				return fmt.Errorf("create %s: %w", target, err)
			}
			stats.Dirs++
		case d.Type().IsRegular():
			fi, err := d.Info()
			if err != nil {
				return err
			}
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			err = w.WriteFile(target, f, fi.Mode())
			f.Close()
			if err != nil {
				return err
			}
			stats.Files++
			stats.Bytes += fi.Size()
		default:
			stats.Skipped++
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("upload %s: %w", localPath, err)
	}
	return stats, nil
}
