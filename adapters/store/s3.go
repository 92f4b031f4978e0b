package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/openlot/image-delivery/core"
	apperrors "github.com/openlot/image-delivery/errors"
)

// ObjectClient defines the minimal object-store interface used by the S3
// adapter, allowing injection of real aws-sdk-go-v2 clients or test doubles.
type ObjectClient interface {
	PutObject(ctx context.Context, bucket, key string, body io.Reader, meta map[string]string) error
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, map[string]string, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	HeadObject(ctx context.Context, bucket, key string) (bool, error)
}

// S3 is the ArtifactStore backed by S3-compatible object storage.  Artifact
// metadata travels as object metadata; the analysis report, which exceeds
// flat key/value comfortably, is embedded as one JSON value.
type S3 struct {
	client ObjectClient
	bucket string
	prefix string
}

// NewS3 creates an S3 store.  client must not be nil.
func NewS3(client ObjectClient, bucket, prefix string) (*S3, error) {
	if client == nil {
		return nil, fmt.Errorf("artifact store: client must not be nil")
	}
	return &S3{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *S3) key(fingerprint string) string {
	if s.prefix == "" {
		return fingerprint
	}
	return s.prefix + "/" + fingerprint
}

func (s *S3) Put(ctx context.Context, fingerprint string, artifact *core.Artifact) error {
	const op = "store.s3.put"
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.ClassCanceled, op, err)
	}

	meta := map[string]string{
		"format":  string(artifact.Format),
		"width":   strconv.Itoa(artifact.Width),
		"height":  strconv.Itoa(artifact.Height),
		"backend": artifact.Backend,
	}
	if artifact.URL != "" {
		meta["url"] = artifact.URL
	}
	if artifact.Analysis != nil {
		raw, err := json.Marshal(artifact.Analysis)
		if err != nil {
			return apperrors.New(apperrors.ClassInternal, op, err)
		}
		meta["analysis"] = string(raw)
	}

	if err := s.client.PutObject(ctx, s.bucket, s.key(fingerprint), bytes.NewReader(artifact.Bytes), meta); err != nil {
		return apperrors.Transient(op, err)
	}
	return nil
}

func (s *S3) Get(ctx context.Context, fingerprint string) (*core.Artifact, error) {
	const op = "store.s3.get"
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ClassCanceled, op, err)
	}

	exists, err := s.client.HeadObject(ctx, s.bucket, s.key(fingerprint))
	if err != nil {
		return nil, apperrors.Transient(op, err)
	}
	if !exists {
		return nil, apperrors.New(apperrors.ClassInternal, op, apperrors.ErrNotStored)
	}

	rc, meta, err := s.client.GetObject(ctx, s.bucket, s.key(fingerprint))
	if err != nil {
		return nil, apperrors.Transient(op, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, apperrors.Transient(op, err)
	}

	artifact := &core.Artifact{
		Bytes:   data,
		URL:     meta["url"],
		Format:  core.Format(meta["format"]),
		Backend: meta["backend"],
	}
	artifact.Width, _ = strconv.Atoi(meta["width"])
	artifact.Height, _ = strconv.Atoi(meta["height"])
	if raw := meta["analysis"]; raw != "" {
		var report core.AnalysisReport
		if err := json.Unmarshal([]byte(raw), &report); err == nil {
			artifact.Analysis = &report
		}
	}
	return artifact, nil
}

func (s *S3) Delete(ctx context.Context, fingerprint string) error {
	const op = "store.s3.delete"
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.ClassCanceled, op, err)
	}
	if err := s.client.DeleteObject(ctx, s.bucket, s.key(fingerprint)); err != nil {
		return apperrors.Transient(op, err)
	}
	return nil
}

var _ core.ArtifactStore = (*S3)(nil)
