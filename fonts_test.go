package assetcache

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testUserAgent = "assetcache-test/1.0"

type fontServer struct {
	*httptest.Server
	requests atomic.Int32
	agents   chan string
}

// newFontServer serves a stylesheet at /css referencing /roboto.woff2 and a
// font at /slow.woff2 that only answers after the client gives up.
func newFontServer(t *testing.T) *fontServer {
	t.Helper()

	fs := &fontServer{agents: make(chan string, 16)}

	mux := http.NewServeMux()
	mux.HandleFunc("/css", func(w http.ResponseWriter, r *http.Request) {
		fs.requests.Add(1)
		fs.agents <- r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/css")
		fmt.Fprintf(w, "@font-face{font-family:'Roboto';src:url(%s/roboto.woff2) format('woff2');}\n"+
			"@font-face{font-family:'Roboto';src:url('%s/roboto.woff2') format('woff2');font-weight:700;}", fs.URL, fs.URL)
	})
	mux.HandleFunc("/slow-css", func(w http.ResponseWriter, r *http.Request) {
		fs.requests.Add(1)
		fmt.Fprintf(w, "@font-face{src:url(%s/slow.woff2)}", fs.URL)
	})
	mux.HandleFunc("/roboto.woff2", func(w http.ResponseWriter, r *http.Request) {
		fs.requests.Add(1)
		_, _ = w.Write([]byte("wOF2-font-data"))
	})
	mux.HandleFunc("/slow.woff2", func(w http.ResponseWriter, r *http.Request) {
		fs.requests.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		fs.requests.Add(1)
		http.NotFound(w, r)
	})

	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)

	return fs
}

func testFontsConfig() FontsConfig {
	return FontsConfig{
		Enabled:       true,
		Timeout:       5 * time.Second,
		Lifespan:      30 * 24 * time.Hour,
		UserAgent:     testUserAgent,
		MaxConcurrent: 2,
		RateLimit:     1000,
		Burst:         100,
	}
}

func testRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newTestRehoster(t *testing.T, cfg FontsConfig) (*FontRehoster, *testEnv) {
	t.Helper()

	env := newTestCache(t, nil)
	log := zaptest.NewLogger(t)
	client := NewRemoteClient(testRetryConfig(), cfg, log)

	f := NewFontRehoster(cfg, env.cache, client, log)
	t.Cleanup(func() { _ = f.Stop(context.Background()) })

	return f, env
}

func TestRehost(t *testing.T) {
	srv := newFontServer(t)
	f, env := newTestRehoster(t, testFontsConfig())

	remote := srv.URL + "/css"

	u, err := f.Rehost(context.Background(), remote)
	require.NoError(t, err)
	assert.Equal(t, "/cache/fonts/"+HashKey(remote)+".css", u)
	assert.Equal(t, testUserAgent, <-srv.agents)

	css, err := os.ReadFile(env.cache.Path(remote, KindFontCSS))
	require.NoError(t, err)
	assert.NotContains(t, string(css), srv.URL)
	assert.Equal(t, 2, strings.Count(string(css), "/cache/fonts/roboto.woff2"))

	font, err := os.ReadFile(env.cache.Path(srv.URL+"/roboto.woff2", KindFontFile))
	require.NoError(t, err)
	assert.Equal(t, "wOF2-font-data", string(font))

	// the font is already stored, only the stylesheet is fetched again
	before := srv.requests.Load()
	_, err = f.Rehost(context.Background(), remote)
	require.NoError(t, err)
	assert.Equal(t, before+1, srv.requests.Load())
}

func TestRehostTimeoutFailsClosed(t *testing.T) {
	srv := newFontServer(t)

	cfg := testFontsConfig()
	cfg.Timeout = 200 * time.Millisecond
	f, env := newTestRehoster(t, cfg)

	remote := srv.URL + "/slow-css"

	start := time.Now()
	_, err := f.Rehost(context.Background(), remote)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Less(t, time.Since(start), 3*time.Second)

	assert.NoFileExists(t, env.cache.Path(remote, KindFontCSS))
}

func TestRehostDoesNotRetryClientErrors(t *testing.T) {
	srv := newFontServer(t)
	f, _ := newTestRehoster(t, testFontsConfig())

	_, err := f.Rehost(context.Background(), srv.URL+"/missing")
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Equal(t, int32(1), srv.requests.Load())
}

func TestLocalSchedulesBackgroundRehost(t *testing.T) {
	srv := newFontServer(t)
	f, _ := newTestRehoster(t, testFontsConfig())

	remote := srv.URL + "/css"

	u, ok := f.Local(remote)
	assert.False(t, ok)
	assert.Empty(t, u)

	f.Wait()

	u, ok = f.Local(remote)
	assert.True(t, ok)
	assert.Equal(t, "/cache/fonts/"+HashKey(remote)+".css", u)
}

func TestLocalIgnoresExpiredStylesheet(t *testing.T) {
	srv := newFontServer(t)
	f, env := newTestRehoster(t, testFontsConfig())

	remote := srv.URL + "/css"
	writeFile(t, env.cache.Path(remote, KindFontCSS), []byte("@font-face{}"), time.Now().Add(-31*24*time.Hour))

	require.NoError(t, f.Stop(context.Background()))

	_, ok := f.Local(remote)
	assert.False(t, ok)
	assert.Zero(t, srv.requests.Load())
}

func TestFontRefs(t *testing.T) {
	css := `@font-face{src:url(https://a.example/x.woff2)}
@font-face{src:url("https://a.example/x.woff2")}
@font-face{src:url('http://b.example/y.woff')}
.bg{background:url(/img/local.png)}
.data{background:url(data:image/png;base64,AAAA)}`

	assert.Equal(t, []string{"https://a.example/x.woff2", "http://b.example/y.woff"}, fontRefs(css))
}

func TestRemoteClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	client := NewRemoteClient(testRetryConfig(), testFontsConfig(), zaptest.NewLogger(t))
	defer client.Close()

	body, err := client.Fetch(context.Background(), srv.URL, testUserAgent)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(2), calls.Load())
}

func TestRemoteClientGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewRemoteClient(testRetryConfig(), testFontsConfig(), zaptest.NewLogger(t))
	defer client.Close()

	_, err := client.Fetch(context.Background(), srv.URL, "")
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}
