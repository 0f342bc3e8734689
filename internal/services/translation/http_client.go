package translation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"doctranslate/internal/metrics"
	"doctranslate/internal/services"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPDoer describes the HTTP client used by the translation service.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPClient calls a JSON translation API:
//
//	GET  {base}/terminologies -> {"terminologies":[{"name":"fr"}]}
//	POST {base}/jobs          -> {"jobId":"...","status":"SUBMITTED"}
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  HTTPDoer
}

// NewHTTPClient constructs a client. A nil doer uses an http.Client with a
// 30 second timeout.
func NewHTTPClient(baseURL, apiKey string, doer HTTPDoer) *HTTPClient {
	if doer == nil {
		doer = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		client:  doer,
	}
}

// ListTerminologies returns the names of the custom terminologies.
func (c *HTTPClient) ListTerminologies(ctx context.Context) ([]string, error) {
	var resp struct {
		Terminologies []struct {
			Name string `json:"name"`
		} `json:"terminologies"`
	}
	if err := c.call(ctx, "list_terminologies", http.MethodGet, "/terminologies", nil, &resp); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(resp.Terminologies))
	for _, term := range resp.Terminologies {
		names = append(names, term.Name)
	}
	return names, nil
}

// StartJob submits a batch translation job.
func (c *HTTPClient) StartJob(ctx context.Context, req JobRequest) (JobStarted, error) {
	if err := req.validate(); err != nil {
		return JobStarted{}, services.Wrap(services.ErrValidation, "translation", "start job", "", err)
	}
	var started JobStarted
	if err := c.call(ctx, "start_job", http.MethodPost, "/jobs", req, &started); err != nil {
		return JobStarted{}, err
	}
	if strings.TrimSpace(started.JobID) == "" {
		return JobStarted{}, services.Wrap(services.ErrExternalTool, "translation", "start job", "response without job id", nil)
	}
	return started, nil
}

func (c *HTTPClient) call(ctx context.Context, op, method, route string, body, out any) error {
	start := time.Now()
	err := c.do(ctx, op, method, route, body, out)
	metrics.ObserveExternalCall("translation", op, time.Since(start), err == nil)
	return err
}

func (c *HTTPClient) do(ctx context.Context, op, method, route string, body, out any) error {
	if c.baseURL == "" {
		return services.Wrap(services.ErrConfiguration, "translation", op, "base url not configured", nil)
	}
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+route, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return services.Wrap(services.ErrTransient, "translation", op, "request failed", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return services.Wrap(services.ErrTransient, "translation", op, "read response", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return statusError(op, resp.StatusCode, payload)
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return services.Wrap(services.ErrExternalTool, "translation", op, "decode response", err)
	}
	return nil
}

func statusError(op string, code int, body []byte) error {
	marker := services.ErrExternalTool
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= http.StatusInternalServerError:
		marker = services.ErrTransient
	case code == http.StatusNotFound:
		marker = services.ErrNotFound
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity, code == http.StatusConflict:
		marker = services.ErrValidation
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		marker = services.ErrConfiguration
	}
	detail := strings.TrimSpace(string(body))
	if detail == "" {
		detail = http.StatusText(code)
	}
	return services.Wrap(marker, "translation", op, fmt.Sprintf("http %d", code), errors.New(detail))
}
