// Package store provides ArtifactStore implementations for warm-start
// persistence of computed artifacts.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openlot/image-delivery/core"
	apperrors "github.com/openlot/image-delivery/errors"
)

// artifactMeta is the side-car record written next to the pixel data.
type artifactMeta struct {
	URL      string               `json:"url,omitempty"`
	Format   core.Format          `json:"format"`
	Width    int                  `json:"width"`
	Height   int                  `json:"height"`
	Backend  string               `json:"backend"`
	Analysis *core.AnalysisReport `json:"analysis,omitempty"`
}

// Disk stores artifacts on the local filesystem, one data file per
// fingerprint plus a metadata side-car.
type Disk struct {
	rootDir     string
	permissions os.FileMode
}

// NewDisk creates a Disk store rooted at dir.
func NewDisk(dir string, perm os.FileMode) (*Disk, error) {
	if perm == 0 {
		perm = 0o644
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact store: mkdir %s: %w", dir, err)
	}
	return &Disk{rootDir: dir, permissions: perm}, nil
}

// absPath maps the fingerprint's "op/hash" form onto a per-operation
// subdirectory.
func (d *Disk) absPath(fingerprint string) string {
	return filepath.Join(d.rootDir, filepath.Clean(fingerprint))
}

func (d *Disk) Put(ctx context.Context, fingerprint string, artifact *core.Artifact) error {
	const op = "store.disk.put"
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.ClassCanceled, op, err)
	}

	path := d.absPath(fingerprint)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperrors.New(apperrors.ClassInternal, op, err)
	}
	if len(artifact.Bytes) > 0 {
		if err := os.WriteFile(path, artifact.Bytes, d.permissions); err != nil {
			return apperrors.New(apperrors.ClassInternal, op, err)
		}
	}

	meta := artifactMeta{
		URL:      artifact.URL,
		Format:   artifact.Format,
		Width:    artifact.Width,
		Height:   artifact.Height,
		Backend:  artifact.Backend,
		Analysis: artifact.Analysis,
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return apperrors.New(apperrors.ClassInternal, op, err)
	}
	if err := os.WriteFile(path+".meta.json", raw, d.permissions); err != nil {
		return apperrors.New(apperrors.ClassInternal, op, err)
	}
	return nil
}

func (d *Disk) Get(ctx context.Context, fingerprint string) (*core.Artifact, error) {
	const op = "store.disk.get"
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ClassCanceled, op, err)
	}

	path := d.absPath(fingerprint)
	raw, err := os.ReadFile(path + ".meta.json")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.New(apperrors.ClassInternal, op, apperrors.ErrNotStored)
		}
		return nil, apperrors.New(apperrors.ClassInternal, op, err)
	}
	var meta artifactMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, apperrors.New(apperrors.ClassInternal, op, err)
	}

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, apperrors.New(apperrors.ClassInternal, op, err)
	}
	return &core.Artifact{
		Bytes:    data,
		URL:      meta.URL,
		Format:   meta.Format,
		Width:    meta.Width,
		Height:   meta.Height,
		Backend:  meta.Backend,
		Analysis: meta.Analysis,
	}, nil
}

func (d *Disk) Delete(ctx context.Context, fingerprint string) error {
	const op = "store.disk.delete"
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.ClassCanceled, op, err)
	}
	path := d.absPath(fingerprint)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperrors.New(apperrors.ClassInternal, op, err)
	}
	_ = os.Remove(path + ".meta.json")
	return nil
}

var _ core.ArtifactStore = (*Disk)(nil)
