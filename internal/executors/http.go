package executors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rendis/nodeflow/pkg/schema"
)

const maxHTTPResponseBody = 10 * 1024 * 1024 // 10MB

// HTTPExecutor issues one outbound request. The request is described by the
// resolved input: uri, method, headers, queryParameters, body.
type HTTPExecutor struct {
	client *http.Client
}

func (e *HTTPExecutor) Execute(ctx context.Context, node *schema.WorkflowNode, input map[string]any, rc *RunContext) schema.NodeExecutionResult {
	uri, _ := input["uri"].(string)
	if uri == "" {
		return Failure(node, input, nil, schema.NewError(schema.ErrMissingField, "http node requires a uri"))
	}
	method, _ := input["method"].(string)
	if method == "" {
		return Failure(node, input, nil, schema.NewError(schema.ErrMissingField, "http node requires a method"))
	}
	method = strings.ToUpper(method)

	finalURL, err := buildURL(uri, input["queryParameters"])
	if err != nil {
		return Failure(node, input, nil, schema.NewErrorf(schema.ErrHTTPExecution, "invalid queryParameters: %s", err.Error()))
	}

	var body io.Reader
	contentType := "application/json"
	if hasBody(method) {
		if raw, ok := input["body"]; ok && raw != nil {
			payload, ct, err := encodeBody(raw)
			if err != nil {
				return Failure(node, input, nil, schema.NewError(schema.ErrHTTPExecution, "failed to encode request body").WithCause(err))
			}
			body = strings.NewReader(payload)
			if ct != "" {
				contentType = ct
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, finalURL, body)
	if err != nil {
		return Failure(node, input, nil, schema.NewErrorf(schema.ErrHTTPExecution, "failed to create request: %s", err.Error()).WithCause(err))
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range headerMap(input["headers"]) {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return Failure(node, input, nil, schema.NewErrorf(schema.ErrHTTPExecution, "request to %s failed: %s", finalURL, errMessage(err)).
			WithCause(err).
			WithDetails(map[string]any{"url": finalURL, "method": method}))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBody))
	if err != nil {
		return Failure(node, input, nil, schema.NewError(schema.ErrHTTPExecution, "failed to read response body").WithCause(err))
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	output := map[string]any{
		"statusCode": resp.StatusCode,
		"status":     resp.Status,
		"headers":    respHeaders,
		"body":       decodeBody(raw, resp.Header.Get("Content-Type")),
		"url":        finalURL,
		"method":     method,
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Failure(node, input, output, schema.NewErrorf(schema.ErrHTTP, "%s %s returned %d", method, finalURL, resp.StatusCode).
			WithDetails(map[string]any{"statusCode": resp.StatusCode}))
	}
	return Success(node, input, output)
}

func hasBody(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

// buildURL appends queryParameters, a list of {key, value}, to uri. An
// existing query string is extended rather than replaced.
func buildURL(uri string, params any) (string, error) {
	if typed, ok := params.([]map[string]any); ok {
		generic := make([]any, len(typed))
		for i, m := range typed {
			generic[i] = m
		}
		params = generic
	}
	list, ok := params.([]any)
	if !ok || len(list) == 0 {
		if params != nil && !ok {
			return "", fmt.Errorf("expected a list of {key, value}, got %T", params)
		}
		return uri, nil
	}

	pairs := make([]string, 0, len(list))
	for i, p := range list {
		m, ok := p.(map[string]any)
		if !ok {
			return "", fmt.Errorf("entry %d is not an object", i)
		}
		key, _ := m["key"].(string)
		if key == "" {
			continue
		}
		pairs = append(pairs, url.QueryEscape(key)+"="+url.QueryEscape(stringify(m["value"])))
	}
	if len(pairs) == 0 {
		return uri, nil
	}

	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
		if strings.HasSuffix(uri, "?") || strings.HasSuffix(uri, "&") {
			sep = ""
		}
	}
	return uri + sep + strings.Join(pairs, "&"), nil
}

// encodeBody serializes a request body. Strings holding JSON are sent as
// JSON; any other string is sent as plain text.
func encodeBody(raw any) (string, string, error) {
	if s, ok := raw.(string); ok {
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			return s, "text/plain", nil
		}
		b, err := json.Marshal(parsed)
		if err != nil {
			return "", "", err
		}
		return string(b), "", nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return "", "", err
	}
	return string(b), "", nil
}

func decodeBody(raw []byte, contentType string) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

func headerMap(v any) map[string]string {
	out := map[string]string{}
	switch h := v.(type) {
	case map[string]any:
		for k, val := range h {
			out[k] = stringify(val)
		}
	case map[string]string:
		for k, val := range h {
			out[k] = val
		}
	}
	return out
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64, bool, int, int64:
		return fmt.Sprint(s)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func errMessage(err error) string {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err.Error()
	}
	return err.Error()
}
