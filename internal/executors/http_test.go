package executors

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/pkg/schema"
)

func httpNode() *schema.WorkflowNode {
	return &schema.WorkflowNode{ID: "http-1", Name: "Fetch User", Kind: schema.NodeKindAction, ActionType: schema.ActionHTTP}
}

type captured struct {
	method      string
	url         string
	contentType string
	auth        string
	body        string
}

func recordingServer(t *testing.T, status int, respBody string) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.method = r.Method
		c.url = r.URL.String()
		c.contentType = r.Header.Get("Content-Type")
		c.auth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		c.body = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respBody))
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func TestHTTP_GetSuccess(t *testing.T) {
	srv, c := recordingServer(t, http.StatusOK, `{"email":"a@b.com"}`)
	r := newRegistry(t, Deps{})

	res := execute(t, r, httpNode(), map[string]any{"uri": srv.URL + "/users/1", "method": "get", "body": map[string]any{"ignored": true}}, nil)
	require.True(t, res.Success, "%v", res.Error)

	out := res.Output.(map[string]any)
	assert.Equal(t, 200, out["statusCode"])
	assert.Equal(t, map[string]any{"email": "a@b.com"}, out["body"])
	assert.Equal(t, "GET", out["method"])
	assert.Equal(t, srv.URL+"/users/1", out["url"])
	assert.Equal(t, "GET", c.method)
	assert.Empty(t, c.body, "GET never carries a body")
	assert.Equal(t, "application/json", c.contentType)
}

func TestHTTP_QueryParametersAppended(t *testing.T) {
	srv, c := recordingServer(t, http.StatusOK, `{}`)
	r := newRegistry(t, Deps{})

	res := execute(t, r, httpNode(), map[string]any{
		"uri":             srv.URL + "/y",
		"method":          "POST",
		"queryParameters": []any{map[string]any{"key": "q", "value": "1"}},
	}, nil)
	require.True(t, res.Success)
	assert.Equal(t, srv.URL+"/y?q=1", res.Output.(map[string]any)["url"])
	assert.Equal(t, "/y?q=1", c.url)
}

func TestBuildURL(t *testing.T) {
	params := []any{
		map[string]any{"key": "q", "value": "a b"},
		map[string]any{"key": "n", "value": 2.0},
		map[string]any{"value": "dropped"},
	}
	tests := []struct {
		uri  string
		want string
	}{
		{"https://x/y", "https://x/y?q=a+b&n=2"},
		{"https://x/y?page=1", "https://x/y?page=1&q=a+b&n=2"},
		{"https://x/y?", "https://x/y?q=a+b&n=2"},
	}
	for _, tt := range tests {
		got, err := buildURL(tt.uri, params)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	got, err := buildURL("https://x/y", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://x/y", got)

	got, err = buildURL("https://x/y", []map[string]any{{"key": "a", "value": "b"}})
	require.NoError(t, err)
	assert.Equal(t, "https://x/y?a=b", got)

	_, err = buildURL("https://x/y", "q=1")
	assert.Error(t, err)
}

func TestHTTP_BodiesAndHeaders(t *testing.T) {
	r := newRegistry(t, Deps{})

	t.Run("object body", func(t *testing.T) {
		srv, c := recordingServer(t, http.StatusCreated, `{}`)
		res := execute(t, r, httpNode(), map[string]any{
			"uri": srv.URL, "method": "PUT",
			"headers": map[string]any{"Authorization": "Bearer abc"},
			"body":    map[string]any{"name": "x"},
		}, nil)
		require.True(t, res.Success)
		assert.JSONEq(t, `{"name":"x"}`, c.body)
		assert.Equal(t, "Bearer abc", c.auth)
	})

	t.Run("json string body", func(t *testing.T) {
		srv, c := recordingServer(t, http.StatusOK, `{}`)
		res := execute(t, r, httpNode(), map[string]any{"uri": srv.URL, "method": "PATCH", "body": `{"a": 1}`}, nil)
		require.True(t, res.Success)
		assert.Equal(t, `{"a":1}`, c.body)
		assert.Equal(t, "application/json", c.contentType)
	})

	t.Run("text body", func(t *testing.T) {
		srv, c := recordingServer(t, http.StatusOK, `{}`)
		res := execute(t, r, httpNode(), map[string]any{"uri": srv.URL, "method": "POST", "body": "hello"}, nil)
		require.True(t, res.Success)
		assert.Equal(t, "hello", c.body)
		assert.Equal(t, "text/plain", c.contentType)
	})

	t.Run("caller content type wins", func(t *testing.T) {
		srv, c := recordingServer(t, http.StatusOK, `{}`)
		execute(t, r, httpNode(), map[string]any{
			"uri": srv.URL, "method": "POST", "body": "a=1",
			"headers": map[string]any{"Content-Type": "application/x-www-form-urlencoded"},
		}, nil)
		assert.Equal(t, "application/x-www-form-urlencoded", c.contentType)
	})
}

func TestHTTP_StatusMapping(t *testing.T) {
	for _, status := range []int{200, 204, 299, 301, 400, 404, 500, 503} {
		srv, _ := recordingServer(t, status, `{"error":"x"}`)
		client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
		rr := newRegistry(t, Deps{HTTPClient: client})
		res := execute(t, rr, httpNode(), map[string]any{"uri": srv.URL, "method": "GET"}, nil)

		out := res.Output.(map[string]any)
		assert.Equal(t, status, out["statusCode"], "statusCode must equal actual status")
		assert.Equal(t, status >= 200 && status < 300, res.Success, "status %d", status)
		if !res.Success {
			assert.Equal(t, schema.ErrHTTP, res.Error.Kind)
			assert.Equal(t, status, res.Error.Details["statusCode"])
		}
	}
}

func TestHTTP_TextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	res := execute(t, newRegistry(t, Deps{}), httpNode(), map[string]any{"uri": srv.URL, "method": "GET"}, nil)
	require.True(t, res.Success)
	assert.Equal(t, "pong", res.Output.(map[string]any)["body"])
}

func TestHTTP_MissingFields(t *testing.T) {
	r := newRegistry(t, Deps{})

	res := execute(t, r, httpNode(), map[string]any{"method": "GET"}, nil)
	assert.Equal(t, schema.ErrMissingField, res.Error.Kind)

	res = execute(t, r, httpNode(), map[string]any{"uri": "http://x"}, nil)
	assert.Equal(t, schema.ErrMissingField, res.Error.Kind)
}

func TestHTTP_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	res := execute(t, newRegistry(t, Deps{}), httpNode(), map[string]any{"uri": url, "method": "GET"}, nil)
	require.False(t, res.Success)
	assert.Equal(t, schema.ErrHTTPExecution, res.Error.Kind)
	assert.Nil(t, res.Output)

	b, err := json.Marshal(res.Error)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"kind":"HttpExecutionError"`)
}
