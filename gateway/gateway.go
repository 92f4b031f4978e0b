// Package gateway implements the retry-and-timeout-aware client for the
// out-of-process transformation service.  It is both the fallback when
// local capability is unavailable and the sole path for transforms too
// expensive for the client.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/openlot/image-delivery/core"
	apperrors "github.com/openlot/image-delivery/errors"
)

// Options configures a Gateway.
type Options struct {
	// Endpoint is the base URL of the processing service; empty disables
	// the remote path entirely.
	Endpoint   string
	HTTPClient *http.Client
	Fetcher    core.Fetcher
	// Request budgets per operation class.  Canvas extension and matte
	// generation are known to be slower and get the long budget.
	ShortTimeout time.Duration
	LongTimeout  time.Duration
	// RetryBackoff is the delay before the single retry of a retryable
	// failure; the retry waits twice this.
	RetryBackoff time.Duration
	Logger       core.Logger
	Metrics      core.MetricsCollector
}

// Gateway is a thin client over the HTTP transform contract:
// POST {operation, parameters, sourceUrl|sourceBytes} →
// {resultUrl|resultBytes, metadata} or {errorCode, message}.
type Gateway struct {
	endpoint     string
	client       *http.Client
	fetcher      core.Fetcher
	shortTimeout time.Duration
	longTimeout  time.Duration
	retryBackoff time.Duration
	logger       core.Logger
	metrics      core.MetricsCollector
}

// New creates a Gateway.
func New(opts Options) *Gateway {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	shortT := opts.ShortTimeout
	if shortT <= 0 {
		shortT = 10 * time.Second
	}
	longT := opts.LongTimeout
	if longT <= 0 {
		longT = 45 * time.Second
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = core.NopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = core.NopMetrics{}
	}
	return &Gateway{
		endpoint:     opts.Endpoint,
		client:       client,
		fetcher:      opts.Fetcher,
		shortTimeout: shortT,
		longTimeout:  longT,
		retryBackoff: backoff,
		logger:       logger,
		metrics:      metrics,
	}
}

// Available reports whether a remote endpoint is configured.
func (g *Gateway) Available() bool { return g.endpoint != "" }

// SlowOperation reports whether op belongs to the long-budget class.
func SlowOperation(op core.Operation) bool {
	return op == core.OpExtendCanvas || op == core.OpGenerateMatte
}

type processRequest struct {
	Operation   string      `json:"operation"`
	Parameters  core.Params `json:"parameters"`
	SourceURL   string      `json:"sourceUrl,omitempty"`
	SourceBytes []byte      `json:"sourceBytes,omitempty"`
}

type processResponse struct {
	ResultURL   string `json:"resultUrl,omitempty"`
	ResultBytes []byte `json:"resultBytes,omitempty"`
	Metadata    struct {
		Width    int                  `json:"width"`
		Height   int                  `json:"height"`
		Format   string               `json:"format"`
		Analysis *core.AnalysisReport `json:"analysis,omitempty"`
	} `json:"metadata"`
}

type errorResponse struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

// Process resolves the source reference to a fetchable form and submits
// the transform.  Retryable failures (timeout, 5xx) are retried once with
// exponential backoff; validation failures and an unreachable service are
// surfaced immediately with their classification.
func (g *Gateway) Process(ctx context.Context, req core.TransformRequest) (*core.Artifact, error) {
	const op = "gateway.process"

	if !g.Available() {
		return nil, apperrors.New(apperrors.ClassServiceUnavailable, op,
			fmt.Errorf("no remote endpoint configured"))
	}
	g.metrics.RecordGatewayCall(req.Op)

	payload, err := g.fetcher.Fetch(ctx, req.Source)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ClassSourceUnavailable, op, err)
	}

	body := processRequest{
		Operation:  string(req.Op),
		Parameters: req.Params,
		SourceURL:  payload.URL,
	}
	if payload.URL == "" {
		body.SourceBytes = payload.Bytes
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ClassInternal, op, err)
	}

	budget := g.shortTimeout
	if SlowOperation(req.Op) {
		budget = g.longTimeout
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			// Exponential backoff before the single retry.
			select {
			case <-ctx.Done():
				return nil, apperrors.Wrap(apperrors.ClassCanceled, op, ctx.Err())
			case <-time.After(g.retryBackoff << attempt):
			}
			g.logger.Warn("gateway.retry", "op", req.Op, "attempt", attempt, "error", lastErr.Error())
		}

		artifact, err := g.attempt(ctx, budget, encoded)
		if err == nil {
			artifact.Backend = "remote"
			return artifact, nil
		}
		lastErr = err
		if !apperrors.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (g *Gateway) attempt(ctx context.Context, budget time.Duration, body []byte) (*core.Artifact, error) {
	const op = "gateway.request"

	reqCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, g.endpoint+"/transform", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ClassInternal, op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var remoteErr errorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		_ = json.Unmarshal(raw, &remoteErr)
		msg := remoteErr.Message
		if msg == "" {
			msg = string(raw)
		}
		if resp.StatusCode < 500 {
			// Client error: retrying cannot help.
			return nil, apperrors.New(apperrors.ClassInvalidRequest, op,
				fmt.Errorf("remote rejected request (%d %s): %s", resp.StatusCode, remoteErr.ErrorCode, msg))
		}
		return nil, &apperrors.DeliveryError{
			Class:     apperrors.ClassServiceUnavailable,
			Op:        op,
			Err:       fmt.Errorf("remote failure (%d %s): %s", resp.StatusCode, remoteErr.ErrorCode, msg),
			Retryable: true,
		}
	}

	var out processResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperrors.Wrap(apperrors.ClassInternal, op, err)
	}
	if out.ResultURL == "" && len(out.ResultBytes) == 0 && out.Metadata.Analysis == nil {
		return nil, apperrors.New(apperrors.ClassInternal, op,
			fmt.Errorf("remote response carries neither result nor analysis"))
	}
	return &core.Artifact{
		Bytes:    out.ResultBytes,
		URL:      out.ResultURL,
		Format:   core.Format(out.Metadata.Format),
		Width:    out.Metadata.Width,
		Height:   out.Metadata.Height,
		Analysis: out.Metadata.Analysis,
	}, nil
}

// classifyTransport maps transport failures onto the taxonomy: exceeded
// budget → Timeout (retryable); service unreachable → ServiceUnavailable
// (fail fast, no retry storm).
func classifyTransport(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Transient(op, err)
	}
	if errors.Is(err, context.Canceled) {
		return apperrors.Wrap(apperrors.ClassCanceled, op, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return apperrors.New(apperrors.ClassServiceUnavailable, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.Transient(op, err)
	}
	// Other transport failures (reset connections, truncated responses)
	// get the one retry.
	return &apperrors.DeliveryError{Class: apperrors.ClassServiceUnavailable, Op: op, Err: err, Retryable: true}
}
