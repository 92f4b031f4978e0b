// Package fetch provides a ready-made HTTP Fetcher for deployments where
// image references map onto a content service URL scheme.  Applications with
// their own resolution logic implement core.Fetcher directly instead.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/openlot/image-delivery/core"
	apperrors "github.com/openlot/image-delivery/errors"
	"github.com/openlot/image-delivery/utils"
)

// HTTPOptions configures an HTTPFetcher.
type HTTPOptions struct {
	// BaseURL is the content service root; the reference key is appended
	// as one path segment.
	BaseURL string
	Client  *http.Client
	// MaxBytes caps the downloaded body; 0 = 32 MiB.
	MaxBytes int64
}

// HTTPFetcher resolves references by downloading from a content service.
type HTTPFetcher struct {
	baseURL  string
	client   *http.Client
	maxBytes int64
}

// NewHTTP creates an HTTPFetcher.
func NewHTTP(opts HTTPOptions) (*HTTPFetcher, error) {
	if _, err := url.Parse(opts.BaseURL); err != nil || opts.BaseURL == "" {
		return nil, fmt.Errorf("fetch: invalid base url %q", opts.BaseURL)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	return &HTTPFetcher{baseURL: opts.BaseURL, client: client, maxBytes: maxBytes}, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, ref core.ImageReference) (*core.SourcePayload, error) {
	const op = "fetch.http"

	target := f.baseURL + "/" + url.PathEscape(ref.Key())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, apperrors.New(apperrors.ClassInternal, op, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apperrors.New(apperrors.ClassSourceUnavailable, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.New(apperrors.ClassSourceUnavailable, op,
			fmt.Errorf("content service returned %d for %s", resp.StatusCode, ref.Key()))
	}

	limited := &utils.LimitedReader{R: resp.Body, Max: f.maxBytes + 1}
	buf, err := utils.DrainReader(ctx, limited, 0)
	if err != nil {
		return nil, apperrors.New(apperrors.ClassSourceUnavailable, op, err)
	}
	defer utils.ReleaseBuffer(buf)

	if int64(buf.Len()) > f.maxBytes {
		return nil, apperrors.New(apperrors.ClassSourceUnavailable, op,
			fmt.Errorf("source exceeds %d byte cap", f.maxBytes))
	}

	data := utils.CloneBytes(buf.Bytes())
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/" + utils.DetectFormat(data)
	}
	return &core.SourcePayload{Bytes: data, URL: target, ContentType: contentType}, nil
}

var _ core.Fetcher = (*HTTPFetcher)(nil)
