package sagaengine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HttpExecutionResult is the classified outcome of one action or
// compensation invocation. Never constructed with both Ok and TimedOut (or
// NetworkError) true.
type HttpExecutionResult struct {
	Ok           bool
	StatusCode   *int
	Body         any // decoded JSON, raw string, or nil
	DurationMs   int64
	TimedOut     bool
	NetworkError bool
	ErrorMessage string
}

// HTTPExecutor executes one rendered HTTP request with a timeout, never
// returning a Go error to the caller — all failure modes are encoded in the
// returned HttpExecutionResult so the retry policy can classify them.
type HTTPExecutor interface {
	Execute(ctx context.Context, spec HttpRequestSpec, timeoutMs int64, extraHeaders map[string]string) HttpExecutionResult
}

// httpExecutor is the default HTTPExecutor, backed by net/http.
type httpExecutor struct {
	client *http.Client
}

// NewHTTPExecutor returns an HTTPExecutor using a fresh http.Client. The
// client has no default timeout of its own; every call's timeout comes from
// its own per-request context instead, since each step may specify a
// different timeoutMs.
func NewHTTPExecutor() HTTPExecutor {
	return &httpExecutor{client: &http.Client{}}
}

func (e *httpExecutor) Execute(ctx context.Context, spec HttpRequestSpec, timeoutMs int64, extraHeaders map[string]string) HttpExecutionResult {
	start := time.Now()

	var bodyReader io.Reader
	if spec.Body != nil {
		payload, err := json.Marshal(spec.Body)
		if err != nil {
			return HttpExecutionResult{
				Ok:           false,
				DurationMs:   time.Since(start).Milliseconds(),
				ErrorMessage: "marshal body: " + err.Error(),
			}
		}
		bodyReader = bytes.NewReader(payload)
	}

	timeout := time.Duration(timeoutMs) * time.Millisecond
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, spec.Method, spec.URL, bodyReader)
	if err != nil {
		return HttpExecutionResult{
			Ok:           false,
			DurationMs:   time.Since(start).Milliseconds(),
			ErrorMessage: "build request: " + err.Error(),
		}
	}

	req.Header.Set("content-type", "application/json")
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}
	// extra (engine-injected) headers win over the rendered spec's own headers.
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		if reqCtx.Err() != nil {
			return HttpExecutionResult{
				Ok:           false,
				DurationMs:   duration,
				TimedOut:     true,
				ErrorMessage: err.Error(),
			}
		}
		return HttpExecutionResult{
			Ok:           false,
			DurationMs:   duration,
			NetworkError: true,
			ErrorMessage: err.Error(),
		}
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 10<<20))

	result := HttpExecutionResult{
		Ok:         status >= 200 && status < 300,
		StatusCode: &status,
		DurationMs: duration,
	}

	contentType := resp.Header.Get("content-type")
	switch {
	case strings.Contains(contentType, "application/json") && len(raw) > 0:
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			result.Body = decoded
		} else {
			result.Body = string(raw)
		}
	case len(raw) > 0:
		result.Body = string(raw)
	}

	if !result.Ok {
		result.ErrorMessage = httpStatusErrorMessage(status, raw)
	}
	return result
}

func httpStatusErrorMessage(status int, raw []byte) string {
	if len(raw) == 0 {
		return "HTTP " + strconv.Itoa(status)
	}
	return "HTTP " + strconv.Itoa(status) + ": " + string(raw)
}
