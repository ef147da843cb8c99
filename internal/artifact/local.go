package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Local serves artifacts from a directory. References are relative paths.
type Local struct {
	Dir string
}

func (l Local) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(l.Dir, sanitizeKey(ref)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMissing, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}
