// Package coordinator implements clients of the master's
// searcher API.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/unixpickle/trialsearch/searcher"
)

const (
	endpointOperation = "searcher_operation"
	endpointProgress  = "progress"
	endpointCompleted = "completed_operation"
	endpointAck       = "ack_preemption"
)

// A StatusError is returned when the master responds with
// a non-2xx status code.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (s *StatusError) Error() string {
	return fmt.Sprintf("master %s: status %d: %s", s.Endpoint, s.Code, s.Body)
}

// Config configures an HTTPClient.
type Config struct {
	// URL is the master's base URL, e.g.
	// "http://master:8080".
	URL string `yaml:"url" env:"URL"`

	// Token is sent as a bearer token, if set.
	Token string `yaml:"token" env:"TOKEN"`

	// Timeout bounds every single attempt of a request.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`

	Retry RetryPolicy `yaml:"retry" env:"RETRY"`
}

// HTTPClient talks to the master's REST API. It implements
// searcher.Coordinator.
type HTTPClient struct {
	baseURL *url.URL
	token   string
	client  *http.Client
	retry   RetryPolicy
	metrics *metrics
	logger  *zap.Logger
}

// NewHTTPClient creates a client for the master.
//
// Request metrics are registered with reg, unless it is
// nil.
func NewHTTPClient(cfg Config, reg prometheus.Registerer, logger *zap.Logger) (*HTTPClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("coordinator: master URL is required")
	}
	baseURL, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("coordinator: parse master URL: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL: baseURL,
		token:   cfg.Token,
		client:  &http.Client{Timeout: cfg.Timeout},
		retry:   cfg.Retry.normalized(),
		metrics: newMetrics(reg),
		logger:  logger.With(zap.String("component", "coordinator")),
	}, nil
}

// NextOperation fetches the trial's pending op.
func (h *HTTPClient) NextOperation(ctx context.Context, trialID int) (searcher.Descriptor, error) {
	path := fmt.Sprintf("/api/v1/trials/%d/searcher/operation", trialID)
	body, err := h.do(ctx, endpointOperation, http.MethodGet, path, nil)
	if err != nil {
		return searcher.Descriptor{}, err
	}
	var resp operationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return searcher.Descriptor{}, fmt.Errorf("coordinator: decode searcher operation: %w", err)
	}
	if resp.Completed {
		return searcher.Descriptor{Done: true}, nil
	}
	if resp.Op == nil || resp.Op.ValidateAfter == nil {
		return searcher.Descriptor{}, errors.New("coordinator: searcher operation has no length")
	}
	return searcher.Descriptor{Length: uint64(resp.Op.ValidateAfter.Length)}, nil
}

// ReportProgress posts unitless progress for the trial.
func (h *HTTPClient) ReportProgress(ctx context.Context, trialID int, progress float64) error {
	path := fmt.Sprintf("/api/v1/trials/%d/progress", trialID)
	_, err := h.do(ctx, endpointProgress, http.MethodPost, path, progress)
	return err
}

// CompleteOperation posts the searcher metric of a
// finished op.
//
// A retried completion may reach the master twice if a
// response was lost. Every attempt carries the same
// X-Request-ID header, which the master must use to
// de-duplicate them.
func (h *HTTPClient) CompleteOperation(ctx context.Context, trialID int, length uint64,
	metric float64) error {
	path := fmt.Sprintf("/api/v1/trials/%d/searcher/completed_operation", trialID)
	req := completedOperationRequest{SearcherMetric: metric}
	req.Op.Length = length
	_, err := h.do(ctx, endpointCompleted, http.MethodPost, path, req)
	return err
}

// AcknowledgeOutOfOps signals the master that the
// allocation is exiting since there are no more ops.
func (h *HTTPClient) AcknowledgeOutOfOps(ctx context.Context, allocationID string) error {
	path := fmt.Sprintf("/api/v1/allocations/%s/signals/ack_preemption", url.PathEscape(allocationID))
	_, err := h.do(ctx, endpointAck, http.MethodPost, path, nil)
	return err
}

// do sends a request, retrying according to the policy,
// and returns the response body.
func (h *HTTPClient) do(ctx context.Context, endpoint, method, path string, payload any) ([]byte, error) {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("coordinator: encode %s: %w", endpoint, err)
		}
	}

	// Every attempt shares one request ID.
	requestID := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt <= h.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := h.retry.Delay(attempt)
			h.logger.Debug("retrying request",
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			h.metrics.retries.WithLabelValues(endpoint).Inc()
			if err := sleepContext(ctx, delay); err != nil {
				return nil, err
			}
		}
		body, err := h.attempt(ctx, endpoint, method, path, requestID, data)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
	}
	h.logger.Warn("request failed",
		zap.String("endpoint", endpoint),
		zap.Int("attempts", h.retry.MaxRetries+1),
		zap.Error(lastErr),
	)
	return nil, lastErr
}

func (h *HTTPClient) attempt(ctx context.Context, endpoint, method, path, requestID string,
	data []byte) ([]byte, error) {
	var reqBody io.Reader
	if data != nil {
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL.String()+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Request-ID", requestID)
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	h.metrics.duration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		h.metrics.requests.WithLabelValues(endpoint, "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()
	h.metrics.requests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			Endpoint: endpoint,
			Code:     resp.StatusCode,
			Body:     strings.TrimSpace(string(body)),
		}
	}
	return body, nil
}

type operationResponse struct {
	Completed bool `json:"completed"`
	Op        *struct {
		ValidateAfter *struct {
			Length jsonUint64 `json:"length"`
		} `json:"validateAfter"`
	} `json:"op"`
}

type completedOperationRequest struct {
	Op struct {
		Length uint64 `json:"length"`
	} `json:"op"`
	SearcherMetric float64 `json:"searcherMetric"`
}

// jsonUint64 accepts both JSON numbers and the quoted
// strings grpc-gateway uses for 64-bit integers.
type jsonUint64 uint64

func (j *jsonUint64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid uint64 %s: %w", data, err)
	}
	*j = jsonUint64(n)
	return nil
}
