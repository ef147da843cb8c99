// Package artifact checks that a rendered payload exists and is usable
// before a job is handed to the poster.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"content-pipeline/internal/config"
)

var (
	ErrMissing = errors.New("artifact missing")
	ErrInvalid = errors.New("artifact invalid")
)

// Store opens rendered artifacts by payload reference.
type Store interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Validator checks existence for every artifact, and decodability plus a
// minimum size for image artifacts.
type Validator struct {
	store     Store
	minWidth  int
	minHeight int
	maxBytes  int64
}

func NewValidator(store Store, minWidth, minHeight int) *Validator {
	return &Validator{
		store:     store,
		minWidth:  minWidth,
		minHeight: minHeight,
		maxBytes:  25 * 1024 * 1024,
	}
}

// New builds the validator selected by cfg.Backend. "none" returns nil, which
// callers treat as "skip the check".
func New(ctx context.Context, cfg config.ArtifactConfig) (*Validator, error) {
	var store Store
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "local":
		store = Local{Dir: cfg.Dir}
	case "s3":
		s, err := NewS3(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
	}
	return NewValidator(store, cfg.MinWidth, cfg.MinHeight), nil
}

// Check returns nil when ref can be posted. Failures wrap ErrMissing or
// ErrInvalid; anything else is a transport error.
func (v *Validator) Check(ctx context.Context, ref string) error {
	if ref == "" {
		return fmt.Errorf("%w: empty payload ref", ErrMissing)
	}
	rc, err := v.store.Open(ctx, ref)
	if err != nil {
		return err
	}
	defer rc.Close()

	if !isImage(ref) {
		return nil
	}
	img, err := imaging.Decode(io.LimitReader(rc, v.maxBytes))
	if err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrInvalid, ref, err)
	}
	return v.checkBounds(ref, img)
}

func (v *Validator) checkBounds(ref string, img image.Image) error {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return fmt.Errorf("%w: %s has no pixels", ErrInvalid, ref)
	}
	if b.Dx() < v.minWidth || b.Dy() < v.minHeight {
		return fmt.Errorf("%w: %s is %dx%d, need at least %dx%d", ErrInvalid, ref, b.Dx(), b.Dy(), v.minWidth, v.minHeight)
	}
	return nil
}

func isImage(ref string) bool {
	switch strings.ToLower(filepath.Ext(ref)) {
	case ".png", ".jpg", ".jpeg", ".gif":
		return true
	}
	return false
}

// sanitizeKey strips leading separators and dot segments from a reference.
func sanitizeKey(key string) string {
	key = filepath.Clean("/" + key)
	return strings.TrimPrefix(key, "/")
}
