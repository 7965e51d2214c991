package buildcontext

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// BuildContext is a disposable staging directory holding exactly the files
// needed to build an image. Callers must defer Close right after New.
type BuildContext struct {
	logger *slog.Logger
	dir    string

	closeOnce sync.Once
	closeErr  error
}

// New creates a fresh staging directory under parentDir. Empty parentDir means
// the system temp directory.
func New(logger *slog.Logger, parentDir string, prefix string) (*BuildContext, error) {
	dir, err := os.MkdirTemp(parentDir, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	logger.Debug("Staging directory created", "path", dir)
	return &BuildContext{logger: logger, dir: dir}, nil
}

func (b *BuildContext) Dir() string {
	return b.dir
}

// Copy copies src into the root of the staging directory under its base name.
// A missing src is reported with an error wrapping fs.ErrNotExist.
func (b *BuildContext) Copy(src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", src)
	}

	target := filepath.Join(b.dir, filepath.Base(src))
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (b *BuildContext) WriteFile(name string, data []byte) error {
	return os.WriteFile(filepath.Join(b.dir, name), data, 0644)
}

// Files lists the names staged so far, sorted.
func (b *BuildContext) Files() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Close removes the staging directory. Safe to call more than once; only the
// first call does any work.
func (b *BuildContext) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = os.RemoveAll(b.dir)
		if b.closeErr != nil {
			b.logger.Error("Failed to remove staging directory", "path", b.dir, "err", b.closeErr)
			return
		}
		b.logger.Debug("Staging directory removed", "path", b.dir)
	})
	return b.closeErr
}
