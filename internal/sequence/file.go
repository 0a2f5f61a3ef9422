package sequence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// lockRetryInterval is how often a blocked AdvanceBy retries the file lock.
const lockRetryInterval = 10 * time.Millisecond

var docTypePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// File keeps one counter file per document type in a directory. Every
// read-modify-write happens under an exclusive flock on a sibling .lock
// file, so separate processes sharing the directory never overlap.
//
// Intended for single-host deployments without a database server.
type File struct {
	dir string
}

// NewFile creates a file sequence source rooted at dir, creating it if needed.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sequence dir: %w", err)
	}
	return &File{dir: dir}, nil
}

func (f *File) paths(docType string) (counter, lock string, err error) {
	if !docTypePattern.MatchString(docType) {
		return "", "", fmt.Errorf("document type %q cannot be used as a file name", docType)
	}
	counter = filepath.Join(f.dir, docType+".hilo")
	return counter, counter + ".lock", nil
}

// AdvanceBy atomically adds n to the counter for docType and returns the new value.
func (f *File) AdvanceBy(ctx context.Context, docType string, n int64) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("advance %s: block size must be positive, got %d", docType, n)
	}
	hi, err := f.update(ctx, docType, func(cur int64) int64 { return cur + n })
	if err != nil {
		return 0, fmt.Errorf("advance %s: %w", docType, err)
	}
	return hi, nil
}

// SetFloor raises the counter for docType to at least floor.
func (f *File) SetFloor(ctx context.Context, docType string, floor int64) (int64, error) {
	if floor < 0 {
		return 0, fmt.Errorf("set floor %s: floor must not be negative, got %d", docType, floor)
	}
	hi, err := f.update(ctx, docType, func(cur int64) int64 { return max(cur, floor) })
	if err != nil {
		return 0, fmt.Errorf("set floor %s: %w", docType, err)
	}
	return hi, nil
}

// Current returns the counter for docType without changing it.
func (f *File) Current(ctx context.Context, docType string) (int64, error) {
	return f.update(ctx, docType, func(cur int64) int64 { return cur })
}

func (f *File) update(ctx context.Context, docType string, next func(int64) int64) (int64, error) {
	counterPath, lockPath, err := f.paths(docType)
	if err != nil {
		return 0, err
	}

	lock := flock.New(lockPath)
	locked, err := lock.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return 0, fmt.Errorf("lock %s: %w", lockPath, err)
	}
	if !locked {
		return 0, fmt.Errorf("lock %s: not acquired", lockPath)
	}
	defer lock.Unlock()

	cur, err := readCounter(counterPath)
	if err != nil {
		return 0, err
	}
	val := next(cur)
	if val < cur {
		return 0, fmt.Errorf("counter %s would move backwards from %d to %d", counterPath, cur, val)
	}
	if val == cur {
		return cur, nil
	}
	if err := writeCounter(counterPath, val); err != nil {
		return 0, err
	}
	return val, nil
}

func readCounter(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %s: %w", path, err)
	}
	return n, nil
}

// writeCounter replaces the counter file via temp file + fsync + rename so a
// crash never leaves a truncated counter behind.
func writeCounter(path string, n int64) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write counter: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(strconv.FormatInt(n, 10) + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("write counter: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync counter: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close counter: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename counter: %w", err)
	}
	return nil
}
