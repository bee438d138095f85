package xhr

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/webmonkey/internal/engine/capability"
	"github.com/GriffinCanCode/webmonkey/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/webmonkey/internal/userscript"
)

var testScript = &userscript.Script{ID: "ns/test", Name: "test"}

func testClient() *Client {
	cfg := DefaultConfig()
	cfg.RetryMax = 0
	cfg.RetryWaitMin = time.Millisecond
	cfg.RetryWaitMax = time.Millisecond
	cfg.Timeout = 5 * time.Second
	return New(cfg, nil)
}

func TestRequestPassesDetailsThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		user, pass, ok := r.BasicAuth()

		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		assert.Equal(t, "a=1", string(body))
		assert.True(t, ok)
		assert.Equal(t, "u", user)
		assert.Equal(t, "p", pass)

		w.Header().Set("X-Reply", "done")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer srv.Close()

	resp, err := testClient().Request(context.Background(), testScript, capability.Request{
		Method:   http.MethodPost,
		URL:      srv.URL + "/items",
		Headers:  map[string]string{"X-Test": "yes"},
		Data:     "a=1",
		User:     "u",
		Password: "p",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "Created", resp.StatusText)
	assert.Equal(t, "created", resp.ResponseText)
	assert.Contains(t, resp.ResponseHeaders, "X-Reply: done\r\n")
	assert.Equal(t, srv.URL+"/items", resp.FinalURL)
}

func TestServerErrorReturnedToScript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream"))
	}))
	defer srv.Close()

	resp, err := testClient().Request(context.Background(), testScript, capability.Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.Status)
	assert.Equal(t, "upstream", resp.ResponseText)
}

func TestBreakerOpensForFailingHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient()
	req := capability.Request{Method: http.MethodGet, URL: srv.URL}
	for i := 0; i < 5; i++ {
		_, err := c.Request(context.Background(), testScript, req)
		require.NoError(t, err)
	}

	_, err := c.Request(context.Background(), testScript, req)
	assert.True(t, errors.Is(err, ErrHostUnavailable))

	states := c.BreakerStates()
	require.Len(t, states, 1)
	for _, state := range states {
		assert.Equal(t, resilience.StateOpen, state)
	}
}

func TestSchemeNotAllowed(t *testing.T) {
	c := testClient()
	for _, raw := range []string{"file:///etc/passwd", "chrome://webmonkey/content/x", "ftp://example.com/"} {
		_, err := c.Request(context.Background(), testScript, capability.Request{Method: http.MethodGet, URL: raw})
		assert.True(t, errors.Is(err, ErrSchemeNotAllowed), raw)
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.user.js" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/javascript")
		_, _ = w.Write([]byte("// ==UserScript==\n"))
	}))
	defer srv.Close()

	c := testClient()

	body, contentType, err := c.Fetch(context.Background(), srv.URL+"/a.user.js")
	require.NoError(t, err)
	assert.Equal(t, "// ==UserScript==\n", string(body))
	assert.Equal(t, "text/javascript", contentType)

	_, _, err = c.Fetch(context.Background(), srv.URL+"/missing.user.js")
	assert.Error(t, err)
}

func TestRequestRespectsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := testClient().Request(ctx, testScript, capability.Request{Method: http.MethodGet, URL: srv.URL})
	assert.Error(t, err)
}

func TestFormatHeadersSorted(t *testing.T) {
	h := http.Header{}
	h.Add("B", "2")
	h.Add("A", "1")
	h.Add("A", "3")
	assert.Equal(t, "A: 1\r\nA: 3\r\nB: 2\r\n", formatHeaders(h))
}
