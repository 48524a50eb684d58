package router

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HatiCode/fleetdash/pkg/adapters"
	"github.com/HatiCode/fleetdash/pkg/dashboard"
	"github.com/HatiCode/fleetdash/pkg/storage"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	outboxSize     = 16
)

// Message types exchanged over /ws.
const (
	msgState  = "state"
	msgAudio  = "audio"
	msgError  = "error"
	msgSelect = "select"
)

// serverMessage is sent to the browser. Only the fields of its type are set.
type serverMessage struct {
	Type        string           `json:"type"`
	State       *dashboard.State `json:"state,omitempty"`
	Alerting    bool             `json:"alerting,omitempty"`
	ScheduleURL string           `json:"scheduleUrl,omitempty"`
	URL         string           `json:"url,omitempty"`
	VehicleID   string           `json:"vehicleId,omitempty"`
	Text        string           `json:"text,omitempty"`
	Message     string           `json:"message,omitempty"`
}

type clientMessage struct {
	Type      string `json:"type"`
	VehicleID string `json:"vehicleId"`
}

// liveHandler serves one dashboard Session per WebSocket connection.
type liveHandler struct {
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func newLiveHandler(opts Options) *liveHandler {
	return &liveHandler{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: opts.Logger.With("component", "live"),
	}
}

func (h *liveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		h.recordError("upgrade")
		h.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	outbox := make(chan serverMessage, outboxSize)

	session, err := dashboard.NewSession(h.sessionOptions(outbox))
	if err != nil {
		h.recordError("session")
		h.logger.Error("failed to create session", "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"),
			time.Now().Add(writeWait))
		return
	}
	defer session.Close()

	if h.opts.Metrics != nil {
		h.opts.Metrics.SessionOpened()
		defer h.opts.Metrics.SessionClosed()
	}

	states, unsubscribe := session.Subscribe()
	defer unsubscribe()

	initial := r.URL.Query().Get("vehicleId")
	if err := session.Select(initial); err != nil {
		trySend(outbox, serverMessage{Type: msgError, Message: selectError(initial, err)})
	}

	h.logger.Info("dashboard connected", "remote_addr", r.RemoteAddr, "vehicle_id", initial)

	done := make(chan struct{})
	go h.readLoop(conn, session, outbox, done)

	h.writeLoop(conn, states, outbox, done)

	h.logger.Info("dashboard disconnected", "remote_addr", r.RemoteAddr)
}

func (h *liveHandler) sessionOptions(outbox chan serverMessage) dashboard.Options {
	notifiers := append([]dashboard.Notifier(nil), h.opts.Notifiers...)
	if h.opts.Synthesizer != nil && h.opts.Clips != nil {
		player := &wsPlayer{clips: h.opts.Clips, outbox: outbox}
		notifiers = append(notifiers, dashboard.NewSpeechNotifier(h.opts.Synthesizer, player))
	}

	opts := dashboard.Options{
		Vehicles:     h.opts.Vehicles,
		Predictions:  h.opts.Predictions,
		Bookings:     h.opts.Bookings,
		Notifiers:    notifiers,
		PollInterval: h.opts.PollInterval,
		MaxAttempts:  h.opts.MaxAttempts,
		BackoffBase:  h.opts.BackoffBase,
		Logger:       h.opts.Logger,
	}
	if h.opts.Metrics != nil {
		opts.Recorder = h.opts.Metrics
	}
	return opts
}

// readLoop applies select messages until the connection fails. It closes done on exit.
func (h *liveHandler) readLoop(conn *websocket.Conn, session *dashboard.Session, outbox chan<- serverMessage, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		switch msg.Type {
		case msgSelect:
			if err := session.Select(msg.VehicleID); err != nil {
				trySend(outbox, serverMessage{Type: msgError, Message: selectError(msg.VehicleID, err)})
			}
		default:
			trySend(outbox, serverMessage{Type: msgError, Message: "unsupported message type " + msg.Type})
		}
	}
}

// writeLoop is the only writer on conn.
func (h *liveHandler) writeLoop(conn *websocket.Conn, states <-chan dashboard.State, outbox <-chan serverMessage, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case st, ok := <-states:
			if !ok {
				return
			}
			if err := h.write(conn, h.stateMessage(st)); err != nil {
				return
			}

		case msg := <-outbox:
			if err := h.write(conn, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return

		case <-h.opts.Shutdown:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (h *liveHandler) write(conn *websocket.Conn, msg serverMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Debug("websocket write failed", "type", msg.Type, "error", err)
		return err
	}
	return nil
}

func (h *liveHandler) stateMessage(st dashboard.State) serverMessage {
	return serverMessage{
		Type:        msgState,
		State:       &st,
		Alerting:    st.Alerting(),
		ScheduleURL: scheduleURL(h.opts.BookingUIURL, st.VehicleID),
	}
}

func (h *liveHandler) recordError(reason string) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.RecordError("live", reason)
	}
}

// scheduleURL links to the booking UI for vehicleID.
func scheduleURL(bookingUI, vehicleID string) string {
	if vehicleID == "" || bookingUI == "" {
		return ""
	}
	return strings.TrimRight(bookingUI, "/") + "/?vehicleId=" + url.QueryEscape(vehicleID)
}

func selectError(vehicleID string, err error) string {
	if errors.Is(err, dashboard.ErrUnknownVehicle) {
		return "Unknown vehicle " + vehicleID
	}
	return err.Error()
}

func trySend(outbox chan<- serverMessage, msg serverMessage) bool {
	select {
	case outbox <- msg:
		return true
	default:
		return false
	}
}

// wsPlayer hands synthesized clips to the browser: the clip is stored and
// an audio message pointing at /audio/{id} is queued on the connection.
type wsPlayer struct {
	clips  storage.ClipStore
	outbox chan<- serverMessage
}

func (p *wsPlayer) Play(ctx context.Context, vehicleID, text string, audio adapters.Audio) error {
	clip := storage.Clip{
		ID:          storage.NewClipID(),
		VehicleID:   vehicleID,
		Text:        text,
		ContentType: audio.ContentType,
		Data:        audio.Data,
	}
	if err := p.clips.Put(ctx, clip); err != nil {
		return err
	}

	msg := serverMessage{
		Type:      msgAudio,
		URL:       "/audio/" + clip.ID,
		VehicleID: vehicleID,
		Text:      text,
	}
	if !trySend(p.outbox, msg) {
		return errors.New("audio queue full")
	}
	return nil
}
