package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/HatiCode/fleetdash/cmd/console/metrics"
	"github.com/HatiCode/fleetdash/pkg/adapters"
	"github.com/HatiCode/fleetdash/pkg/auth"
	"github.com/HatiCode/fleetdash/pkg/storage"
)

const (
	testEmail    = "ops@example.com"
	testPassword = "correct horse"
)

type fakePredictions struct{}

func (fakePredictions) Fetch(_ context.Context, vehicleID string) (adapters.Prediction, error) {
	if vehicleID == "LMN456" {
		return adapters.Prediction{
			VehicleID:         vehicleID,
			Status:            "ALERT",
			Message:           "Brake wear detected",
			RecommendedAction: "Check brakes",
		}, nil
	}
	return adapters.Prediction{VehicleID: vehicleID, Status: "OK"}, nil
}

type fakeBookings struct{}

func (fakeBookings) Fetch(_ context.Context, vehicleID string) ([]adapters.Booking, error) {
	if vehicleID == "LMN456" {
		return nil, errors.New("booking api down")
	}
	return []adapters.Booking{{DateTime: "2025-06-01T09:00:00Z", ServiceCenterName: "North", Status: "confirmed"}}, nil
}

type fakeSynth struct{}

func (fakeSynth) Synthesize(_ context.Context, text string) (adapters.Audio, error) {
	return adapters.Audio{Data: []byte("mp3:" + text), ContentType: "audio/mpeg"}, nil
}

type fixture struct {
	handler http.Handler
	tokens  *auth.Tokens
	clips   *storage.MemoryClipStore
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()

	verifier, err := auth.NewStaticVerifier(testEmail, testPassword)
	if err != nil {
		t.Fatalf("NewStaticVerifier() error = %v", err)
	}
	tokens, err := auth.NewTokens([]byte("0123456789abcdef0123456789abcdef"), time.Hour)
	if err != nil {
		t.Fatalf("NewTokens() error = %v", err)
	}
	clips := storage.NewMemoryClipStore()
	t.Cleanup(clips.Stop)

	opts := Options{
		Vehicles:     []string{"XYZ789", "LMN456"},
		OperatorName: "Dispatch",
		BookingUIURL: "https://booking.example.com/",
		Verifier:     verifier,
		Tokens:       tokens,
		Predictions:  fakePredictions{},
		Bookings:     fakeBookings{},
		Synthesizer:  fakeSynth{},
		Clips:        clips,
		PollInterval: 10 * time.Minute,
		Metrics:      metrics.NewWithRegistry(prometheus.NewRegistry()),
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}

	handler, err := SetupRoutes(opts)
	if err != nil {
		t.Fatalf("SetupRoutes() error = %v", err)
	}
	return &fixture{handler: handler, tokens: tokens, clips: clips}
}

func (f *fixture) sessionCookie(t *testing.T) *http.Cookie {
	t.Helper()
	token, expires, err := f.tokens.Issue(testEmail)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return &http.Cookie{Name: auth.CookieName, Value: token, Expires: expires}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func TestSetupRoutes_RequiresAuth(t *testing.T) {
	_, err := SetupRoutes(Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err == nil {
		t.Fatal("SetupRoutes() without verifier should fail")
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	if body := w.Body.String(); body != "OK" {
		t.Errorf("body = %q, want %q", body, "OK")
	}
}

func TestHealthEndpoint_CheckFails(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Health = func() error { return errors.New("redis unreachable") }
	})

	w := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Header().Get("Content-Type") == "" {
		t.Error("Content-Type header should be set for metrics endpoint")
	}
}

func TestLoginForm(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `action="/login"`) {
		t.Error("login page should contain the login form")
	}
}

func TestLoginForm_AlreadyLoggedIn(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(f.sessionCookie(t))
	w := f.do(req)

	if w.Code != http.StatusSeeOther {
		t.Fatalf("status code = %d, want %d", w.Code, http.StatusSeeOther)
	}
	if loc := w.Header().Get("Location"); loc != "/vehicles" {
		t.Errorf("Location = %q, want /vehicles", loc)
	}
}

func postLogin(f *fixture, email, password string) *httptest.ResponseRecorder {
	form := url.Values{"email": {email}, "password": {password}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return f.do(req)
}

func TestLogin(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name       string
		email      string
		password   string
		wantStatus int
	}{
		{"valid credentials", testEmail, testPassword, http.StatusSeeOther},
		{"email is case insensitive", "OPS@Example.com", testPassword, http.StatusSeeOther},
		{"wrong password", testEmail, "nope", http.StatusUnauthorized},
		{"unknown email", "someone@example.com", testPassword, http.StatusUnauthorized},
		{"empty form", "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postLogin(f, tt.email, tt.password)

			if w.Code != tt.wantStatus {
				t.Fatalf("status code = %d, want %d", w.Code, tt.wantStatus)
			}

			var session *http.Cookie
			for _, c := range w.Result().Cookies() {
				if c.Name == auth.CookieName {
					session = c
				}
			}

			if tt.wantStatus == http.StatusSeeOther {
				if loc := w.Header().Get("Location"); loc != "/vehicles" {
					t.Errorf("Location = %q, want /vehicles", loc)
				}
				if session == nil || !session.HttpOnly {
					t.Fatalf("expected an HttpOnly session cookie, got %+v", session)
				}
				if _, err := f.tokens.Validate(session.Value); err != nil {
					t.Errorf("issued token does not validate: %v", err)
				}
				return
			}

			if session != nil {
				t.Error("failed login must not set a session cookie")
			}
			if !strings.Contains(w.Body.String(), "Invalid credentials") {
				t.Error("failed login should show an error")
			}
		})
	}
}

func TestLogout(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(httptest.NewRequest(http.MethodPost, "/logout", nil))

	if w.Code != http.StatusSeeOther {
		t.Fatalf("status code = %d, want %d", w.Code, http.StatusSeeOther)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != auth.CookieName || cookies[0].MaxAge >= 0 {
		t.Errorf("expected an expired session cookie, got %+v", cookies)
	}
}

func TestPages_RequireSession(t *testing.T) {
	f := newFixture(t, nil)

	for _, path := range []string{"/vehicles", "/dashboard?vehicleId=XYZ789"} {
		t.Run(path, func(t *testing.T) {
			w := f.do(httptest.NewRequest(http.MethodGet, path, nil))

			if w.Code != http.StatusSeeOther {
				t.Fatalf("status code = %d, want %d", w.Code, http.StatusSeeOther)
			}
			if loc := w.Header().Get("Location"); loc != "/" {
				t.Errorf("Location = %q, want /", loc)
			}
		})
	}
}

func TestAPI_RequiresSession(t *testing.T) {
	f := newFixture(t, nil)

	for _, path := range []string{"/api/vehicles", "/ws", "/audio/abc"} {
		t.Run(path, func(t *testing.T) {
			w := f.do(httptest.NewRequest(http.MethodGet, path, nil))

			if w.Code != http.StatusUnauthorized {
				t.Errorf("status code = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestVehiclesPage(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/vehicles", nil)
	req.AddCookie(f.sessionCookie(t))
	w := f.do(req)

	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	for _, want := range []string{"Welcome, Dispatch", "/dashboard?vehicleId=XYZ789", "/dashboard?vehicleId=LMN456"} {
		if !strings.Contains(body, want) {
			t.Errorf("vehicles page missing %q", want)
		}
	}
}

func TestVehiclesPage_FallsBackToEmail(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.OperatorName = "" })

	req := httptest.NewRequest(http.MethodGet, "/vehicles", nil)
	req.AddCookie(f.sessionCookie(t))
	w := f.do(req)

	if !strings.Contains(w.Body.String(), "Welcome, "+testEmail) {
		t.Error("vehicles page should greet the logged-in email")
	}
}

func TestDashboardPage(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantBody   string
	}{
		{"preselected vehicle", "?vehicleId=LMN456", http.StatusOK, `value="LMN456" selected`},
		{"nothing selected", "", http.StatusOK, "Select a vehicle"},
		{"unknown vehicle", "?vehicleId=NOPE", http.StatusNotFound, "unknown vehicle"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/dashboard"+tt.query, nil)
			req.AddCookie(f.sessionCookie(t))
			w := f.do(req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status code = %d, want %d", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body does not contain %q", tt.wantBody)
			}
		})
	}
}

func TestDashboardPage_PlaysEachClipImmediately(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/dashboard?vehicleId=XYZ789", nil)
	req.AddCookie(f.sessionCookie(t))
	body := f.do(req).Body.String()

	if !strings.Contains(body, "new Audio(url).play()") {
		t.Error("dashboard should start every clip on its own audio element")
	}
	for _, unwanted := range []string{"queue", `addEventListener("ended"`, "player.paused"} {
		if strings.Contains(body, unwanted) {
			t.Errorf("dashboard must not hold clips back until earlier ones end (found %q)", unwanted)
		}
	}
}

func TestVehicleList(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/vehicles", nil)
	req.AddCookie(f.sessionCookie(t))
	w := f.do(req)

	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	var resp struct {
		Vehicles []string `json:"vehicles"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Vehicles) != 2 || resp.Vehicles[0] != "XYZ789" {
		t.Errorf("vehicles = %v, want [XYZ789 LMN456]", resp.Vehicles)
	}
}

func TestAudio(t *testing.T) {
	f := newFixture(t, nil)

	clip := storage.Clip{ID: "clip-1", VehicleID: "XYZ789", ContentType: "audio/wav", Data: []byte("RIFF")}
	if err := f.clips.Put(context.Background(), clip); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	tests := []struct {
		name        string
		id          string
		wantStatus  int
		wantType    string
		wantPayload string
	}{
		{"stored clip", "clip-1", http.StatusOK, "audio/wav", "RIFF"},
		{"missing clip", "clip-2", http.StatusNotFound, "", ""},
		{"invalid id", "clip.1", http.StatusNotFound, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/audio/"+tt.id, nil)
			req.AddCookie(f.sessionCookie(t))
			w := f.do(req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status code = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			if ct := w.Header().Get("Content-Type"); ct != tt.wantType {
				t.Errorf("Content-Type = %q, want %q", ct, tt.wantType)
			}
			if body := w.Body.String(); body != tt.wantPayload {
				t.Errorf("body = %q, want %q", body, tt.wantPayload)
			}
		})
	}
}

func TestAudio_SpeechDisabled(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Clips = nil })

	req := httptest.NewRequest(http.MethodGet, "/audio/clip-1", nil)
	req.AddCookie(f.sessionCookie(t))
	w := f.do(req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestScheduleURL(t *testing.T) {
	tests := []struct {
		bookingUI string
		vehicleID string
		want      string
	}{
		{"https://booking.example.com", "XYZ789", "https://booking.example.com/?vehicleId=XYZ789"},
		{"https://booking.example.com/", "A B", "https://booking.example.com/?vehicleId=A+B"},
		{"https://booking.example.com", "", ""},
		{"", "XYZ789", ""},
	}

	for _, tt := range tests {
		if got := scheduleURL(tt.bookingUI, tt.vehicleID); got != tt.want {
			t.Errorf("scheduleURL(%q, %q) = %q, want %q", tt.bookingUI, tt.vehicleID, got, tt.want)
		}
	}
}

// liveClient reads server messages from a /ws connection.
type liveClient struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []serverMessage
}

func dialLive(t *testing.T, srv *httptest.Server, cookie *http.Cookie, vehicleID string) *liveClient {
	t.Helper()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?vehicleId=" + url.QueryEscape(vehicleID)
	header := http.Header{}
	header.Set("Cookie", cookie.String())

	conn, resp, err := websocket.DefaultDialer.Dial(u, header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status code = %d, want %d", resp.StatusCode, http.StatusSwitchingProtocols)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &liveClient{t: t, conn: conn}
}

// waitFor returns the first message accepted by match. Messages read while
// waiting are kept for later calls, since state and audio may interleave.
func (c *liveClient) waitFor(what string, match func(serverMessage) bool) serverMessage {
	c.t.Helper()

	for i, msg := range c.pending {
		if match(msg) {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return msg
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	_ = c.conn.SetReadDeadline(deadline)
	for {
		var msg serverMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.t.Fatalf("waiting for %s: %v", what, err)
		}
		if match(msg) {
			return msg
		}
		c.pending = append(c.pending, msg)
	}
}

func (c *liveClient) send(msg clientMessage) {
	c.t.Helper()
	if err := c.conn.WriteJSON(msg); err != nil {
		c.t.Fatalf("WriteJSON() error = %v", err)
	}
}

func settled(vehicleID string) func(serverMessage) bool {
	return func(m serverMessage) bool {
		return m.Type == msgState &&
			m.State.VehicleID == vehicleID &&
			m.State.PredictionStatus.Phase != "loading" && m.State.PredictionStatus.Phase != "idle" &&
			m.State.BookingStatus.Phase != "loading" && m.State.BookingStatus.Phase != "idle"
	}
}

func TestLive_HealthyVehicle(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	client := dialLive(t, srv, f.sessionCookie(t), "XYZ789")

	msg := client.waitFor("XYZ789 state", settled("XYZ789"))

	if msg.Alerting {
		t.Error("OK prediction should not be alerting")
	}
	if msg.State.Prediction == nil || msg.State.Prediction.Status != "OK" {
		t.Errorf("prediction = %+v, want status OK", msg.State.Prediction)
	}
	if len(msg.State.Bookings) != 1 {
		t.Errorf("bookings = %d, want 1", len(msg.State.Bookings))
	}
	if msg.ScheduleURL != "https://booking.example.com/?vehicleId=XYZ789" {
		t.Errorf("scheduleUrl = %q", msg.ScheduleURL)
	}

	audio := client.waitFor("audio", func(m serverMessage) bool { return m.Type == msgAudio })
	if audio.VehicleID != "XYZ789" || !strings.Contains(audio.Text, "functioning normally") {
		t.Errorf("audio message = %+v", audio)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+audio.URL, nil)
	req.AddCookie(f.sessionCookie(t))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s error = %v", audio.URL, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(string(body), "mp3:Vehicle XYZ789") {
		t.Errorf("GET %s = %d %q", audio.URL, resp.StatusCode, body)
	}
}

func TestLive_SelectAlertingVehicle(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	client := dialLive(t, srv, f.sessionCookie(t), "")

	first := client.waitFor("initial state", func(m serverMessage) bool { return m.Type == msgState })
	if first.State.VehicleID != "" || first.ScheduleURL != "" {
		t.Errorf("initial state = %+v, want nothing selected", first.State)
	}

	client.send(clientMessage{Type: msgSelect, VehicleID: "LMN456"})

	msg := client.waitFor("LMN456 state", settled("LMN456"))

	if !msg.Alerting {
		t.Error("ALERT prediction should be alerting")
	}
	if msg.State.BookingStatus.Reason != "Failed to fetch bookings for LMN456" {
		t.Errorf("booking reason = %q", msg.State.BookingStatus.Reason)
	}
	if len(msg.State.Bookings) != 0 {
		t.Errorf("bookings = %v, want none", msg.State.Bookings)
	}

	audio := client.waitFor("audio", func(m serverMessage) bool { return m.Type == msgAudio })
	if !strings.Contains(audio.Text, "Check brakes") {
		t.Errorf("audio text = %q, want recommended action", audio.Text)
	}
}

func TestLive_UnknownVehicle(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	client := dialLive(t, srv, f.sessionCookie(t), "")
	client.send(clientMessage{Type: msgSelect, VehicleID: "NOPE"})

	msg := client.waitFor("error", func(m serverMessage) bool { return m.Type == msgError })
	if msg.Message != "Unknown vehicle NOPE" {
		t.Errorf("error message = %q", msg.Message)
	}
}

func TestLive_SpeechDisabled(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Synthesizer = nil })
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	client := dialLive(t, srv, f.sessionCookie(t), "XYZ789")
	client.waitFor("XYZ789 state", settled("XYZ789"))

	client.send(clientMessage{Type: "bogus"})
	msg := client.waitFor("next message", func(m serverMessage) bool { return m.Type != msgState })
	if msg.Type != msgError {
		t.Errorf("message type = %q, want error (no audio when speech is disabled)", msg.Type)
	}
}

func TestLive_ClosesOnShutdown(t *testing.T) {
	shutdown := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(shutdown) }) })

	f := newFixture(t, func(o *Options) { o.Shutdown = shutdown })
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	client := dialLive(t, srv, f.sessionCookie(t), "")
	client.waitFor("initial state", func(m serverMessage) bool { return m.Type == msgState })

	once.Do(func() { close(shutdown) })

	_ = client.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := client.conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
			t.Errorf("read error = %v, want close going away", err)
		}
		return
	}
}
