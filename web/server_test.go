package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"pulpit/bridge"
	"pulpit/config"
	"pulpit/refine"
	"pulpit/session"
	"pulpit/translate"
)

// fakeProvider stands in for the upstream transcription websocket.
type fakeProvider struct {
	server *httptest.Server
	audio  chan []byte

	mu    sync.Mutex
	rates []string // sample_rate query param per accepted dial
}

func newFakeProvider(t *testing.T) *fakeProvider {
	f := &fakeProvider{audio: make(chan []byte, 16)}
	upgrader := websocket.Upgrader{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("provider upgrade: %v", err)
			return
		}
		f.mu.Lock()
		f.rates = append(f.rates, r.URL.Query().Get("sample_rate"))
		f.mu.Unlock()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				f.audio <- data
			}
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func newTestServer(t *testing.T, providerURL string) (*Server, *httptest.Server) {
	t.Helper()
	logger := log.New(io.Discard)
	cfg := &config.Config{
		AssemblyAIKey:   "test-key",
		StreamingURL:    providerURL,
		MinAudioChunk:   100,
		TextBufferDelay: time.Hour,
	}
	registry := session.NewRegistry(logger, "es")
	translator := translate.NewService(cfg, logger, registry, nil)
	refiner := refine.New(cfg, logger, registry, nil)
	b := bridge.New(cfg, logger, registry, translator, refiner)
	registry.OnCleanup(b.Cleanup)

	srv := NewServer(cfg, logger, registry, b, translator)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return srv, ts
}

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var m map[string]interface{}
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func TestWebsocketHello(t *testing.T) {
	provider := newFakeProvider(t)
	_, ts := newTestServer(t, "ws"+strings.TrimPrefix(provider.server.URL, "http"))

	conn := dialWS(t, ts, "?session_id=svc-1&user_id=u1&sample_rate=44100&target_language=fr")

	hello := readMessage(t, conn)
	if hello["type"] != "connected" {
		t.Fatalf("first message type = %v, want connected", hello["type"])
	}
	data := hello["data"].(map[string]interface{})
	if data["session_id"] != "svc-1" {
		t.Errorf("session_id = %v", data["session_id"])
	}
	if data["sample_rate"] != float64(44100) {
		t.Errorf("sample_rate = %v", data["sample_rate"])
	}
	if data["target_language"] != "fr" {
		t.Errorf("target_language = %v", data["target_language"])
	}
	if data["encoding"] != "pcm_s16le" {
		t.Errorf("encoding = %v", data["encoding"])
	}
}

func TestWebsocketGeneratesSessionID(t *testing.T) {
	provider := newFakeProvider(t)
	_, ts := newTestServer(t, "ws"+strings.TrimPrefix(provider.server.URL, "http"))

	conn := dialWS(t, ts, "")
	hello := readMessage(t, conn)
	data := hello["data"].(map[string]interface{})
	if data["session_id"] == "" {
		t.Error("expected a generated session id")
	}
}

func TestWebsocketForwardsAudio(t *testing.T) {
	provider := newFakeProvider(t)
	_, ts := newTestServer(t, "ws"+strings.TrimPrefix(provider.server.URL, "http"))

	conn := dialWS(t, ts, "?session_id=svc-2")
	readMessage(t, conn) // hello

	chunk := make([]byte, 512)
	if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		t.Fatal(err)
	}

	select {
	case data := <-provider.audio:
		if len(data) != 512 {
			t.Errorf("provider got %d bytes, want 512", len(data))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("audio never reached the provider")
	}
}

func (f *fakeProvider) sampleRates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.rates...)
}

func TestReopenKeepsNegotiatedSampleRate(t *testing.T) {
	provider := newFakeProvider(t)
	srv, ts := newTestServer(t, "ws"+strings.TrimPrefix(provider.server.URL, "http"))

	conn := dialWS(t, ts, "?session_id=svc-r&sample_rate=44100")
	readMessage(t, conn) // hello

	// Simulate the provider handle dying underneath the session.
	srv.bridge.Cleanup("svc-r")

	// The next audio chunk fails to forward, which triggers one reopen.
	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 512)); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(provider.sampleRates()) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	rates := provider.sampleRates()
	if len(rates) < 2 {
		t.Fatalf("expected a reopened provider connection, got %d dials", len(rates))
	}
	if rates[1] != "44100" {
		t.Errorf("reopened at sample_rate %s, want 44100", rates[1])
	}
}

func TestWebsocketProviderFailure(t *testing.T) {
	// Point the bridge at a plain HTTP endpoint so the websocket dial fails.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer dead.Close()

	_, ts := newTestServer(t, "ws"+strings.TrimPrefix(dead.URL, "http"))

	conn := dialWS(t, ts, "?session_id=svc-3")
	msg := readMessage(t, conn)
	if msg["type"] != "error" {
		t.Fatalf("message type = %v, want error", msg["type"])
	}
	if !strings.Contains(msg["message"].(string), "unavailable") {
		t.Errorf("message = %v", msg["message"])
	}
}

func TestHealth(t *testing.T) {
	provider := newFakeProvider(t)
	_, ts := newTestServer(t, "ws"+strings.TrimPrefix(provider.server.URL, "http"))

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}
	if body.TranslationAvailable {
		t.Error("translation reported available without a provider")
	}
	if _, ok := body.Translation["cache_entries"]; !ok {
		t.Error("translation stats missing cache_entries")
	}
}
