// Package dump reads captured console output of a server from a local
// directory holding status.txt and stats.txt.
package dump

import (
	"context"
	stderr "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/srcds-exporter/srcds-exporter/pkg/errors"
)

// DefaultMaxFileSize caps how many bytes are read from one dump file.
const DefaultMaxFileSize = 1 << 20

// Reader answers console commands from files in a directory.
type Reader struct {
	dir         string
	maxFileSize int64
}

// NewReader creates a reader for dir.
func NewReader(dir string) (*Reader, error) {
	if dir == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "dump directory is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "dump directory is not accessible", err).
			WithDetail("dir", dir)
	}
	if !info.IsDir() {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf("%s is not a directory", dir))
	}
	return &Reader{dir: dir, maxFileSize: DefaultMaxFileSize}, nil
}

// Path returns the file holding the output of command.
func (r *Reader) Path(command string) string {
	return filepath.Join(r.dir, command+".txt")
}

// Query returns the captured output of command.
func (r *Reader) Query(ctx context.Context, command string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.Wrap(errors.ErrCodeConnectionTimeout, "query canceled", err).WithComponent("dump")
	}

	p := r.Path(command)
	f, err := os.Open(p)
	if err != nil {
		if stderr.Is(err, fs.ErrNotExist) {
			return "", errors.Wrap(errors.ErrCodeFetchFailure, "dump file not found", err).
				WithComponent("dump").
				WithTarget(p)
		}
		return "", errors.Wrap(errors.ErrCodeConnectionFailed, "failed to open dump file", err).
			WithComponent("dump").
			WithTarget(p)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, r.maxFileSize+1))
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeConnectionFailed, "failed to read dump file", err).
			WithComponent("dump").
			WithTarget(p)
	}
	if int64(len(data)) > r.maxFileSize {
		return "", errors.NewError(errors.ErrCodeParseFailed,
			fmt.Sprintf("dump file exceeds %d bytes", r.maxFileSize)).
			WithComponent("dump").
			WithTarget(p)
	}
	return string(data), nil
}
