package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/taxmate/internal/account"
	"github.com/chadiek/taxmate/internal/status"
)

type fakeGenerator struct {
	reply string
	err   error
	got   string
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	f.got = prompt
	return f.reply, f.err
}

type fakeDispatcher struct{ reply string }

func (f fakeDispatcher) Send(ctx context.Context, text string) (string, error) {
	return f.reply, nil
}

type fakeStreamer struct{}

func (fakeStreamer) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcm := make(chan []byte, 1)
	errc := make(chan error)
	pcm <- make([]byte, 2*frameBytes)
	close(pcm)
	close(errc)
	return pcm, errc
}

type fixedProber struct{ state status.State }

func (f fixedProber) Check(context.Context) (status.Report, error) {
	return status.Report{State: f.state, CheckedAt: time.Now()}, nil
}

func TestServer_Healthz(t *testing.T) {
	srv := New(Options{Logger: zerolog.Nop()})
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAuthOK(t *testing.T) {
	if !authOK(nil, "") {
		t.Fatalf("expected true when no password configured")
	}
	r := httptest.NewRequest(http.MethodGet, "/?password=secret", nil)
	if !authOK(r, "secret") {
		t.Fatalf("expected true with query password")
	}
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("X-Auth-Token", "tok")
	if !authOK(r2, "tok") {
		t.Fatalf("expected true with X-Auth-Token")
	}
	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("Authorization", "bearer abc")
	if !authOK(r3, "abc") {
		t.Fatalf("expected true with lowercase bearer prefix")
	}
	r4 := httptest.NewRequest(http.MethodGet, "/?password=wrong", nil)
	r4.Header.Set("Authorization", "Bearer nope")
	if authOK(r4, "secret") {
		t.Fatalf("expected false with wrong tokens")
	}
}

func postChat(srv *Server, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	return w
}

func TestChat_Reply(t *testing.T) {
	gen := &fakeGenerator{reply: "Home office expenses may qualify."}
	srv := New(Options{Logger: zerolog.Nop(), Generator: gen})

	w := postChat(srv, `{"message":"  What's deductible?  "}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"reply":"Home office expenses may qualify."}`, w.Body.String())
	assert.Equal(t, "What's deductible?", gen.got)
}

func TestChat_Errors(t *testing.T) {
	srv := New(Options{Logger: zerolog.Nop(), Generator: &fakeGenerator{err: errors.New("upstream down")}})
	assert.Equal(t, http.StatusBadRequest, postChat(srv, "not-json").Code)
	assert.Equal(t, http.StatusBadRequest, postChat(srv, `{"message":"   "}`).Code)
	assert.Equal(t, http.StatusBadGateway, postChat(srv, `{"message":"hi"}`).Code)

	unconfigured := New(Options{Logger: zerolog.Nop()})
	assert.Equal(t, http.StatusServiceUnavailable, postChat(unconfigured, `{"message":"hi"}`).Code)
}

func TestStatusRoutes(t *testing.T) {
	m := status.NewMonitor(fixedProber{state: status.Connected}, time.Hour, zerolog.Nop())
	srv := New(Options{Logger: zerolog.Nop(), Status: m})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	require.Eventually(t, func() bool {
		w := httptest.NewRecorder()
		srv.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))
		return w.Code == http.StatusOK && strings.Contains(w.Body.String(), `"state":"connected"`)
	}, time.Second, 5*time.Millisecond)

	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/status/refresh", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)

	none := New(Options{Logger: zerolog.Nop()})
	w = httptest.NewRecorder()
	none.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPanel_Unauthorized(t *testing.T) {
	srv := New(Options{Logger: zerolog.Nop(), AuthPassword: "secret", Dispatcher: fakeDispatcher{}})
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/panel", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

type panelClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialPanel(t *testing.T, opts Options, query string) *panelClient {
	t.Helper()
	ts := httptest.NewServer(New(opts).Router)
	t.Cleanup(ts.Close)
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/panel"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &panelClient{t: t, ws: ws}
}

func (c *panelClient) send(v any) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(v))
}

// until reads frames until match accepts a JSON frame, counting binary frames on the way.
func (c *panelClient) until(match func(msg map[string]any) bool) (map[string]any, int) {
	c.t.Helper()
	binary := 0
	_ = c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		mt, data, err := c.ws.ReadMessage()
		require.NoError(c.t, err)
		if mt == websocket.BinaryMessage {
			binary++
			continue
		}
		var msg map[string]any
		require.NoError(c.t, json.Unmarshal(data, &msg))
		if match(msg) {
			return msg, binary
		}
	}
}

func isType(typ string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["type"] == typ }
}

func exchanges(m map[string]any) []any {
	ex, _ := m["exchanges"].([]any)
	return ex
}

func TestPanel_SubmitShareClear(t *testing.T) {
	c := dialPanel(t, Options{
		Logger:     zerolog.Nop(),
		Dispatcher: fakeDispatcher{reply: "**Home office** expenses may qualify."},
	}, "")

	first, _ := c.until(isType("state"))
	assert.Empty(t, exchanges(first))
	assert.Equal(t, false, first["capture_available"])

	c.send(clientMessage{Type: "submit", Text: "What's deductible?"})
	answered, _ := c.until(func(m map[string]any) bool {
		ex := exchanges(m)
		return m["type"] == "state" && len(ex) == 1 && ex[0].(map[string]any)["status"] == "answered"
	})
	ex := exchanges(answered)[0].(map[string]any)
	assert.Equal(t, "What's deductible?", ex["user"])
	assert.Equal(t, "**Home office** expenses may qualify.", ex["assistant"])
	assert.Contains(t, ex["assistant_html"], "<strong>Home office</strong>")

	c.send(clientMessage{Type: "share"})
	share, _ := c.until(isType("share"))
	assert.Contains(t, share["text"], "👤 You: What's deductible?")
	assert.True(t, strings.HasPrefix(share["mailto"].(string), "mailto:?subject="))

	c.send(clientMessage{Type: "clear"})
	c.until(func(m map[string]any) bool { return m["type"] == "state" && len(exchanges(m)) == 0 })

	c.send(clientMessage{Type: "share"})
	errMsg, _ := c.until(isType("error"))
	assert.Contains(t, errMsg["error"], "no chat to share")

	c.send(clientMessage{Type: "bogus"})
	errMsg, _ = c.until(isType("error"))
	assert.Contains(t, errMsg["error"], "unknown message type")
}

func TestPanel_InputThenSubmit(t *testing.T) {
	c := dialPanel(t, Options{Logger: zerolog.Nop(), Dispatcher: fakeDispatcher{reply: "ok"}}, "")
	c.until(isType("state"))

	c.send(clientMessage{Type: "input", Text: "mileage rate?"})
	c.until(func(m map[string]any) bool { return m["type"] == "state" && m["input"] == "mileage rate?" })

	c.send(clientMessage{Type: "submit"})
	st, _ := c.until(func(m map[string]any) bool {
		ex := exchanges(m)
		return m["type"] == "state" && len(ex) == 1 && ex[0].(map[string]any)["status"] == "answered"
	})
	assert.Equal(t, "", st["input"])
}

func TestPanel_SpeaksReplyAsPacedAudio(t *testing.T) {
	c := dialPanel(t, Options{
		Logger:       zerolog.Nop(),
		AuthPassword: "secret",
		Dispatcher:   fakeDispatcher{reply: "Keep your receipts."},
		Streamer:     fakeStreamer{},
		VoiceOutput:  true,
	}, "?password=secret")
	c.until(isType("state"))

	c.send(clientMessage{Type: "submit", Text: "What should I keep?"})
	_, frames := c.until(isType("audio_end"))
	assert.Equal(t, 2, frames)
}

func TestPanel_ReceivesStatus(t *testing.T) {
	m := status.NewMonitor(fixedProber{state: status.Disconnected}, time.Hour, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	c := dialPanel(t, Options{Logger: zerolog.Nop(), Dispatcher: fakeDispatcher{}, Status: m}, "")
	c.send(clientMessage{Type: "status_refresh"})
	msg, _ := c.until(isType("status"))
	report := msg["report"].(map[string]any)
	assert.Equal(t, "disconnected", report["state"])
}

// micCapture stands in for the speech adapter: it records fed PCM and lets the
// test decide when the utterance is final.
type micCapture struct {
	mu      sync.Mutex
	fed     int
	results chan string
	stops   int
}

func (m *micCapture) Available() bool { return true }

func (m *micCapture) Start(context.Context) (<-chan string, error) {
	return m.results, nil
}

func (m *micCapture) Stop() error {
	m.mu.Lock()
	m.stops++
	m.mu.Unlock()
	return nil
}

func (m *micCapture) Feed(pcm []byte) {
	m.mu.Lock()
	m.fed += len(pcm)
	m.mu.Unlock()
}

func (m *micCapture) fedBytes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fed
}

type countingDispatcher struct{ calls atomic.Int32 }

func (d *countingDispatcher) Send(ctx context.Context, text string) (string, error) {
	d.calls.Add(1)
	return "ok", nil
}

func TestPanel_CaptureFillsInputFromMicFrames(t *testing.T) {
	mic := &micCapture{results: make(chan string, 1)}
	d := &countingDispatcher{}
	c := dialPanel(t, Options{
		Logger:     zerolog.Nop(),
		Dispatcher: d,
		NewCapture: func() PanelCapture { return mic },
	}, "")

	first, _ := c.until(isType("state"))
	assert.Equal(t, true, first["capture_available"])
	assert.Equal(t, false, first["listening"])

	c.send(clientMessage{Type: "toggle_capture"})
	c.until(func(m map[string]any) bool { return m["type"] == "state" && m["listening"] == true })

	require.NoError(t, c.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 640)))
	require.NoError(t, c.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 640)))
	require.Eventually(t, func() bool { return mic.fedBytes() == 1280 }, time.Second, 5*time.Millisecond)

	mic.results <- "Can I deduct my phone bill?"
	close(mic.results)
	st, _ := c.until(func(m map[string]any) bool {
		return m["type"] == "state" && m["listening"] == false && m["input"] == "Can I deduct my phone bill?"
	})
	assert.Empty(t, exchanges(st), "captured speech is not submitted")
	assert.Equal(t, int32(0), d.calls.Load())
}

func TestPanel_StateCarriesSignedInUser(t *testing.T) {
	acct, err := account.Open(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	_, err = acct.SignIn("riley@example.com")
	require.NoError(t, err)

	c := dialPanel(t, Options{Logger: zerolog.Nop(), Dispatcher: fakeDispatcher{}, Account: acct}, "")
	st, _ := c.until(isType("state"))
	user, ok := st["user"].(map[string]any)
	require.True(t, ok, "state has no user: %v", st)
	assert.Equal(t, "riley", user["name"])
	assert.Equal(t, "riley@example.com", user["email"])

	anon := dialPanel(t, Options{Logger: zerolog.Nop(), Dispatcher: fakeDispatcher{}}, "")
	st, _ = anon.until(isType("state"))
	assert.NotContains(t, st, "user")
}
