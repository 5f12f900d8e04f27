package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"roomrelay/internal/app/chat"
	"roomrelay/internal/app/directory"
	"roomrelay/internal/configs"
	"roomrelay/internal/pkg/errs"
	"roomrelay/internal/pkg/resp"
)

func testConfig() *configs.AppConfig {
	return &configs.AppConfig{
		Environment:     "development",
		Port:            5000,
		ShutdownTimeout: time.Second,
		JoinRate:        100,
		JoinBurst:       100,
		SendRate:        100,
		SendBurst:       100,
		APIRate:         100,
		APIBurst:        100,
	}
}

// newTestServer starts the full HTTP stack with a running chat Router.
func newTestServer(t *testing.T, cfg *configs.AppConfig) (*httptest.Server, *AppDeps) {
	t.Helper()

	deps := &AppDeps{
		Router: chat.NewRouter(directory.New()),
		Config: cfg,
	}
	go deps.Router.Run()

	h, stopLimiters := Router(deps)
	srv := httptest.NewServer(h)

	t.Cleanup(func() {
		srv.Close()
		deps.Router.Shutdown()
		stopLimiters()
	})

	return srv, deps
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func getJSON(t *testing.T, url string) (int, resp.JSONResponse, json.RawMessage) {
	t.Helper()

	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer res.Body.Close()

	var body struct {
		resp.JSONResponse
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return res.StatusCode, body.JSONResponse, body.Data
}

func TestRootRoute(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	res, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK || string(body) != RootMessage {
		t.Fatalf("GET / = %d %q", res.StatusCode, body)
	}
}

func TestHealthRoute(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	status, body, _ := getJSON(t, srv.URL+"/health")
	if status != http.StatusOK || body.Code != 0 {
		t.Fatalf("GET /health = %d %+v", status, body)
	}
}

func TestRoomRoutes(t *testing.T) {
	srv, deps := newTestServer(t, testConfig())

	dir := deps.Router.Directory()
	for _, p := range []struct{ id, name, room string }{
		{"c1", "alice", "r1"},
		{"c2", "bob", "r1"},
		{"c3", "carol", "r2"},
	} {
		if _, err := dir.AddParticipant(p.id, p.name, p.room); err != nil {
			t.Fatalf("seed %s: %v", p.name, err)
		}
	}

	_, _, raw := getJSON(t, srv.URL+"/api/rooms")
	var rooms []RoomSummary
	if err := json.Unmarshal(raw, &rooms); err != nil {
		t.Fatalf("decode rooms: %v", err)
	}
	if len(rooms) != 2 || rooms[0] != (RoomSummary{Room: "r1", Users: 2}) || rooms[1] != (RoomSummary{Room: "r2", Users: 1}) {
		t.Fatalf("rooms = %+v", rooms)
	}

	_, _, raw = getJSON(t, srv.URL+"/api/rooms/R1/users")
	var roster struct {
		Room  string `json:"room"`
		Users []struct {
			Name string `json:"name"`
		} `json:"users"`
	}
	if err := json.Unmarshal(raw, &roster); err != nil {
		t.Fatalf("decode roster: %v", err)
	}
	if roster.Room != "r1" || len(roster.Users) != 2 || roster.Users[0].Name != "alice" || roster.Users[1].Name != "bob" {
		t.Fatalf("roster = %+v", roster)
	}
}

func TestWebSocketUpgradeRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.JoinRate = 0.001
	cfg.JoinBurst = 1
	srv, _ := newTestServer(t, cfg)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	conn.Close()

	_, res, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err == nil {
		t.Fatal("second dial should be rate limited")
	}
	if res == nil || res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second dial response = %v, want 429", res)
	}

	var body resp.JSONResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err == nil && body.Code != errs.ErrRateLimitExceeded {
		t.Fatalf("body code = %d, want %d", body.Code, errs.ErrRateLimitExceeded)
	}
}

func TestRoomAPIRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.APIRate = 0.001
	cfg.APIBurst = 2
	srv, _ := newTestServer(t, cfg)

	for i := range 2 {
		if status, _, _ := getJSON(t, srv.URL+"/api/rooms"); status != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, status)
		}
	}

	status, body, _ := getJSON(t, srv.URL+"/api/rooms")
	if status != http.StatusTooManyRequests || body.Code != errs.ErrRateLimitExceeded {
		t.Fatalf("third request = %d %+v, want 429 with code %d", status, body, errs.ErrRateLimitExceeded)
	}

	res, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET / status = %d, root must not share the API limit", res.StatusCode)
	}
}

func TestWebSocketOriginCheck(t *testing.T) {
	cfg := testConfig()
	cfg.Environment = "production"
	cfg.AllowedOrigins = []string{"https://chat.example"}
	srv, _ := newTestServer(t, cfg)

	tests := []struct {
		name   string
		origin string
		wantOK bool
	}{
		{name: "allowed origin", origin: "https://chat.example", wantOK: true},
		{name: "no origin", origin: "", wantOK: true},
		{name: "foreign origin", origin: "https://evil.example", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}

			conn, res, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
			if tt.wantOK {
				if err != nil {
					t.Fatalf("dial: %v", err)
				}
				conn.Close()
				return
			}

			if err == nil {
				conn.Close()
				t.Fatal("dial with foreign origin should fail")
			}
			if res == nil || res.StatusCode != http.StatusForbidden {
				t.Fatalf("response = %v, want 403", res)
			}
		})
	}
}
