package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/nikaeng/nika/internal/binding"
	"github.com/nikaeng/nika/internal/flow"
	nikaerrors "github.com/nikaeng/nika/pkg/errors"
)

// runFetch resolves templates in the URL/headers/body, rejects disallowed
// targets before opening a socket, and issues the HTTP request.
func (e *Executor) runFetch(ctx context.Context, task flow.Task, tpl *binding.Template) Result {
	action := task.Fetch

	rawURL, err := tpl.Resolve(action.URL)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return Result{Success: false, Error: (&nikaerrors.ValidationError{
			Code: nikaerrors.CodeFetchURLRejected, Field: "url",
			Message: fmt.Sprintf("url %q is not http/https", rawURL),
		}).Error()}
	}
	if e.SSRF != nil {
		if err := e.SSRF.CheckHost(parsed.Host); err != nil {
			return Result{Success: false, Error: err.Error()}
		}
	}

	method := action.Method
	if method == "" {
		method = http.MethodGet
	}

	body, err := tpl.Resolve(action.Body)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}

	timeout := defaultFetchTimeout
	if action.Timeout > 0 {
		timeout = time.Duration(action.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader([]byte(body)))
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	for k, v := range action.Headers {
		resolved, err := tpl.Resolve(v)
		if err != nil {
			return Result{Success: false, Error: err.Error()}
		}
		req.Header.Set(k, resolved)
	}

	resp, err := e.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Success: false, Error: (&nikaerrors.ValidationError{
				Code: nikaerrors.CodeFetchTimeout, Field: "fetch",
				Message: fmt.Sprintf("request timed out after %s", timeout),
			}).Error()}
		}
		return Result{Success: false, Error: (&nikaerrors.ValidationError{
			Code: nikaerrors.CodeFetchURLRejected, Field: "fetch", Message: err.Error(),
		}).Error()}
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxBodyBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	truncated := len(data) > maxBodyBytes
	if truncated {
		data = data[:maxBodyBytes]
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	output := map[string]any{
		"status": resp.StatusCode, "headers": headers, "body": string(data), "truncated": truncated,
	}

	if action.FailOnNon2xx && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		return Result{Success: false, Output: output, Error: (&nikaerrors.ValidationError{
			Code: nikaerrors.CodeFetchNonSuccess, Field: "fetch",
			Message: fmt.Sprintf("response status %d is not 2xx", resp.StatusCode),
		}).Error()}
	}

	return Result{Success: true, Output: output}
}
