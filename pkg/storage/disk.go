// Package storage writes verified pieces to their on-disk files.
//
// The torrent content is treated as one logical contiguous byte stream;
// each file occupies a declared [offset, offset+length) range within it. A
// piece write or read may straddle more than one file, so every access is
// split across the file list by computing the byte-range overlap with each
// file in turn.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// file is one on-disk file belonging to the torrent's stream.
type file struct {
	path   string
	length int64
	offset int64 // start offset within the logical stream
	f      *os.File
}

// Disk is the sole writer of a torrent's output files.
type Disk struct {
	files []*file
	total int64
}

// Open creates (or truncates to size) every declared file under
// filepath.Join(rootDir, name), laying them out contiguously in the order
// given by paths/lens. A single-file torrent is just one entry whose path
// is []string{name}.
func Open(rootDir, name string, paths [][]string, lens []int64) (*Disk, error) {
	if len(paths) != len(lens) {
		return nil, fmt.Errorf("storage: paths/lengths length mismatch")
	}

	root := filepath.Join(rootDir, name)

	var (
		files  []*file
		offset int64
	)
	for i := range paths {
		full := filepath.Join(root, filepath.Join(paths[i]...))

		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, fmt.Errorf("storage: mkdir: %w", err)
		}

		f, err := os.OpenFile(full, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("storage: open %s: %w", full, err)
		}
		if err := f.Truncate(lens[i]); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("storage: truncate %s: %w", full, err)
		}

		files = append(files, &file{path: full, length: lens[i], offset: offset, f: f})
		offset += lens[i]
	}

	return &Disk{files: files, total: offset}, nil
}

// Close closes every underlying file.
func (d *Disk) Close() error {
	var err error
	for _, f := range d.files {
		if e := f.f.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// WriteAt writes p into the logical stream at streamOff, splitting across
// file boundaries as needed.
func (d *Disk) WriteAt(p []byte, streamOff int64) error {
	return d.forEachOverlap(streamOff, int64(len(p)), func(f *file, fileOff int64, pStart, pEnd int64) error {
		_, err := f.f.WriteAt(p[pStart:pEnd], fileOff)
		return err
	})
}

// ReadAt reads len(p) bytes from the logical stream at streamOff into p,
// spanning multiple files as needed.
func (d *Disk) ReadAt(p []byte, streamOff int64) error {
	return d.forEachOverlap(streamOff, int64(len(p)), func(f *file, fileOff int64, pStart, pEnd int64) error {
		_, err := f.f.ReadAt(p[pStart:pEnd], fileOff)
		return err
	})
}

func (d *Disk) forEachOverlap(
	streamOff, n int64,
	do func(f *file, fileOff int64, pStart, pEnd int64) error,
) error {
	if n == 0 {
		return nil
	}
	end := streamOff + n

	for _, f := range d.files {
		if end <= f.offset || streamOff >= f.offset+f.length {
			continue
		}

		overlapStart := max64(streamOff, f.offset)
		overlapEnd := min64(end, f.offset+f.length)
		if overlapEnd <= overlapStart {
			continue
		}

		pStart := overlapStart - streamOff
		pEnd := overlapEnd - streamOff
		fileOff := overlapStart - f.offset

		if err := do(f, fileOff, pStart, pEnd); err != nil {
			return fmt.Errorf("storage: %s@%d: %w", f.path, fileOff, err)
		}
	}

	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
