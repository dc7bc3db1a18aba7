package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ffaiyaz23/cockpitrelay/internal/backend"
	"github.com/ffaiyaz23/cockpitrelay/internal/credential"
	"github.com/ffaiyaz23/cockpitrelay/internal/metrics"
	"github.com/ffaiyaz23/cockpitrelay/internal/origin"
)

const testKey = credential.Secret("sk-test-4f9a")

type fixture struct {
	handler *Handler
	logs    *observer.ObservedLogs
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, upstreamURL string, key credential.Secret) fixture {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	m := metrics.New(prometheus.NewRegistry())
	h := NewHandler(Options{
		Origin:       origin.Settings{Local: true, LocalOrigin: upstreamURL},
		APIKey:       key,
		DefaultModel: "gpt-4.1-mini",
		MaxBody:      1 << 10,
		Upstream:     backend.NewClient(time.Second, 2*time.Second),
		Metrics:      m,
		Logger:       zap.New(core),
	})
	return fixture{handler: h, logs: logs, metrics: m}
}

// recordingUpstream captures every payload it receives and streams chunks back.
type recordingUpstream struct {
	calls    atomic.Int32
	mu       sync.Mutex
	payloads []backend.OutboundPayload
	hops     []string
}

func (u *recordingUpstream) handler(status int, chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		var p backend.OutboundPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		u.mu.Lock()
		u.payloads = append(u.payloads, p)
		u.hops = append(u.hops, r.Header.Get(backend.HopHeader))
		u.mu.Unlock()

		w.WriteHeader(status)
		for _, c := range chunks {
			_, _ = w.Write([]byte(c))
			w.(http.Flusher).Flush()
		}
	}
}

func (u *recordingUpstream) last() backend.OutboundPayload {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.payloads[len(u.payloads)-1]
}

func post(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func assertNoSecret(t *testing.T, f fixture, rr *httptest.ResponseRecorder) {
	t.Helper()
	assert.NotContains(t, rr.Body.String(), testKey.Reveal())
	for _, e := range f.logs.All() {
		assert.NotContains(t, e.Message, testKey.Reveal())
		assert.NotContains(t, fmt.Sprint(e.ContextMap()), testKey.Reveal())
	}
}

func TestRelay_StreamsUpstreamReply(t *testing.T) {
	up := &recordingUpstream{}
	srv := httptest.NewServer(up.handler(http.StatusOK, "Hi", " there"))
	defer srv.Close()
	f := newFixture(t, srv.URL, testKey)

	rr := post(f.handler, `{"developer_message":"sys","user_message":"hello","model":"gpt-x"}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Hi there", rr.Body.String())
	assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rr.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rr.Header().Get("Connection"))
	assert.True(t, rr.Flushed)

	require.EqualValues(t, 1, up.calls.Load())
	p := up.last()
	assert.Equal(t, "sys", p.DeveloperMessage)
	assert.Equal(t, "hello", p.UserMessage)
	assert.Equal(t, "gpt-x", p.Model)
	assert.Equal(t, testKey.Reveal(), p.APIKey)
	assert.Equal(t, []string{"1"}, up.hops)

	assertNoSecret(t, f, rr)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Requests.WithLabelValues(metrics.OutcomeOK)))
	assert.Equal(t, float64(len("Hi there")), testutil.ToFloat64(f.metrics.BytesRelayed))
}

func TestRelay_DefaultsModelAndOverridesClientKey(t *testing.T) {
	up := &recordingUpstream{}
	srv := httptest.NewServer(up.handler(http.StatusOK, "ok"))
	defer srv.Close()
	f := newFixture(t, srv.URL, testKey)

	rr := post(f.handler, `{"user_message":"hi","api_key":"client-supplied"}`)

	require.Equal(t, http.StatusOK, rr.Code)
	p := up.last()
	assert.Equal(t, "gpt-4.1-mini", p.Model)
	assert.Equal(t, testKey.Reveal(), p.APIKey)

	rr = post(f.handler, `{"user_message":"hi","model":""}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "gpt-4.1-mini", up.last().Model)
}

func TestRelay_MissingCredentialShortCircuits(t *testing.T) {
	for _, key := range []credential.Secret{"", "  "} {
		up := &recordingUpstream{}
		srv := httptest.NewServer(up.handler(http.StatusOK, "never"))
		f := newFixture(t, srv.URL, key)

		rr := post(f.handler, `{"developer_message":"sys","user_message":"hello"}`)

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.JSONEq(t, `{"error":"`+MsgMissingAPIKey+`"}`, rr.Body.String())
		assert.EqualValues(t, 0, up.calls.Load())
		assert.Equal(t, 1, f.logs.FilterMessage("cannot forward chat request").Len())
		srv.Close()
	}
}

func TestRelay_RejectsMalformedBody(t *testing.T) {
	up := &recordingUpstream{}
	srv := httptest.NewServer(up.handler(http.StatusOK, "never"))
	defer srv.Close()
	f := newFixture(t, srv.URL, testKey)

	cases := []string{
		`not json`,
		`"not json"`,
		`null`,
		`[]`,
		``,
		`{"user_message":`,
		`{"user_message":5}`,
		`{"user_message":"hi"} trailing`,
		`{"user_message":"` + strings.Repeat("a", 2<<10) + `"}`,
	}
	for _, body := range cases {
		rr := post(f.handler, body)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "body %.30q", body)
		assert.JSONEq(t, `{"error":"`+MsgInvalidRequest+`"}`, rr.Body.String())
	}
	assert.EqualValues(t, 0, up.calls.Load())
	assert.Equal(t, float64(len(cases)), testutil.ToFloat64(f.metrics.Requests.WithLabelValues(metrics.OutcomeInvalidRequest)))
}

func TestRelay_UpstreamFailureIsTranslated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("internal details"))
	}))
	defer srv.Close()
	f := newFixture(t, srv.URL, testKey)

	rr := post(f.handler, `{"developer_message":"sys","user_message":"hello"}`)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "internal details")
	assert.JSONEq(t, `{"error":"`+MsgUpstream+`"}`, rr.Body.String())

	logged := f.logs.FilterMessage("backend rejected chat request").All()
	require.Len(t, logged, 1)
	assert.Equal(t, "internal details", logged[0].ContextMap()["detail"])
	assertNoSecret(t, f, rr)
}

func TestRelay_MissingUserMessageForwardedAsIs(t *testing.T) {
	srv := httptest.NewServer(backend.MockHandler(backend.MockOptions{}))
	defer srv.Close()
	f := newFixture(t, srv.URL, testKey)

	rr := post(f.handler, `{"developer_message":"sys"}`)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "user_message is required")
	assert.Equal(t, 1, f.logs.FilterMessage("backend rejected chat request").Len())
}

func TestRelay_UnreachableBackend(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1", testKey)

	rr := post(f.handler, `{"user_message":"hello"}`)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.JSONEq(t, `{"error":"`+MsgUpstream+`"}`, rr.Body.String())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Requests.WithLabelValues(metrics.OutcomeUpstreamError)))
}

func TestRelay_ResolvesRequestHost(t *testing.T) {
	up := &recordingUpstream{}
	srv := httptest.NewServer(up.handler(http.StatusOK, "reflected"))
	defer srv.Close()

	f := newFixture(t, "", testKey)
	f.handler.origin = origin.Settings{}

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"user_message":"hi"}`))
	req.Host = strings.TrimPrefix(srv.URL, "http://")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "reflected", rr.Body.String())
	assert.EqualValues(t, 1, up.calls.Load())
}

func TestRelay_MidStreamFailureEndsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := http.NewResponseController(w).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n2\r\nHi\r\n")
		_ = buf.Flush()
	}))
	defer srv.Close()
	f := newFixture(t, srv.URL, testKey)

	rr := post(f.handler, `{"user_message":"hello"}`)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Hi", rr.Body.String())
	assert.Equal(t, 1, f.logs.FilterMessage("upstream stream interrupted").Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Requests.WithLabelValues(metrics.OutcomeInterrupted)))
}

func TestRelay_FlushesBeforeUpstreamFinishes(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	releaseUpstream := func() { once.Do(func() { close(release) }) }

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = w.Write([]byte("Hi"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte(" there"))
	}))
	defer upstream.Close()
	defer releaseUpstream()

	f := newFixture(t, upstream.URL, testKey)
	relaySrv := httptest.NewServer(f.handler)
	defer relaySrv.Close()

	resp, err := http.Post(relaySrv.URL, "application/json", strings.NewReader(`{"user_message":"hello"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	first := make(chan string, 1)
	go func() {
		buf := make([]byte, 2)
		n, _ := io.ReadFull(resp.Body, buf)
		first <- string(buf[:n])
	}()
	select {
	case got := <-first:
		assert.Equal(t, "Hi", got)
	case <-time.After(2 * time.Second):
		t.Fatal("first chunk was not delivered while upstream was still open")
	}

	releaseUpstream()
	rest, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, " there", string(rest))
}

func TestRelay_ClientDisconnectReleasesUpstream(t *testing.T) {
	upstreamGone := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = w.Write([]byte("Hi"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(upstreamGone)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL, testKey)
	relaySrv := httptest.NewServer(f.handler)
	defer relaySrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, relaySrv.URL, strings.NewReader(`{"user_message":"hello"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	line, _ := bufio.NewReader(resp.Body).Peek(2)
	assert.Equal(t, "Hi", string(line))
	cancel()
	resp.Body.Close()

	select {
	case <-upstreamGone:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream request was not abandoned after client disconnect")
	}
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.Requests.WithLabelValues(metrics.OutcomeInterrupted)) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRelay_RefusesToForwardToItself(t *testing.T) {
	f := newFixture(t, "", testKey)
	f.handler.origin = origin.Settings{}

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		f.handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	// No local flag and no deployment host: the request host is reflected,
	// which is this relay.
	resp, err := http.Post(srv.URL+"/api/chat", "application/json", strings.NewReader(`{"user_message":"hello"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.JSONEq(t, `{"error":"`+MsgUpstream+`"}`, string(body))
	assert.EqualValues(t, 2, hits.Load())
	assert.Equal(t, 1, f.logs.FilterMessage("refusing relayed chat request; backend origin resolves to a relay").Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Requests.WithLabelValues(metrics.OutcomeMisconfigured)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Requests.WithLabelValues(metrics.OutcomeUpstreamError)))
}

func TestRelay_RejectsHopMarkedRequest(t *testing.T) {
	up := &recordingUpstream{}
	srv := httptest.NewServer(up.handler(http.StatusOK, "never"))
	defer srv.Close()
	f := newFixture(t, srv.URL, testKey)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"user_message":"hi"}`))
	req.Header.Set(backend.HopHeader, "1")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.JSONEq(t, `{"error":"`+MsgRelayLoop+`"}`, rr.Body.String())
	assert.EqualValues(t, 0, up.calls.Load())
}
