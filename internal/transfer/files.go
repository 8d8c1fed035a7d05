package transfer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/chaz8081/byteflusher/internal/fault"
	"github.com/chaz8081/byteflusher/internal/psboot"
)

// Selection limits.
const (
	MaxFileSize  = 50 << 20
	MaxTotalSize = 200 << 20
)

// File is one local file and its destination on the target.
type File struct {
	Local string // path on this machine
	Rel   string // slash-separated path below the target directory
	Size  int64
}

// Out returns the destination path under targetDir.
func (f File) Out(targetDir string) string {
	return psboot.OutPath(targetDir, f.Rel)
}

// CollectFiles expands paths into the files of a run. A file keeps its
// base name; a folder keeps its own name as the first path element. Only
// regular files are collected.
func CollectFiles(paths ...string) ([]File, error) {
	var (
		files []File
		total int64
	)
	add := func(local, rel string, size int64) error {
		if size > MaxFileSize {
			return fmt.Errorf("transfer: %s is %d bytes, limit is %d: %w", local, size, MaxFileSize, fault.ErrPrecondition)
		}
		total += size
		if total > MaxTotalSize {
			return fmt.Errorf("transfer: selection exceeds %d bytes: %w", MaxTotalSize, fault.ErrPrecondition)
		}
		files = append(files, File{Local: local, Rel: rel, Size: size})
		return nil
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("transfer: %w", err)
		}
		if !info.IsDir() {
			if err := add(p, info.Name(), info.Size()); err != nil {
				return nil, err
			}
			continue
		}

		root := filepath.Clean(p)
		base := filepath.Base(root)
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			return add(path, base+"/"+filepath.ToSlash(rel), fi.Size())
		})
		if err != nil {
			var pe *fs.PathError
			if errors.As(err, &pe) {
				return nil, fmt.Errorf("transfer: %w", err)
			}
			return nil, err
		}
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("transfer: nothing selected: %w", fault.ErrPrecondition)
	}
	return files, nil
}
