// Package telemetry keeps a persistent websocket to the sensor gateway and
// caches the latest temperature/humidity reading it reports.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voice-home/internal/domain"
	"voice-home/internal/infra/metrics"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultMaxAttempts    = 5
)

// Publisher receives every change to the cached reading, resets included.
type Publisher interface {
	BroadcastTelemetry(reading domain.TelemetryReading)
}

type Config struct {
	URL            string
	ReconnectDelay time.Duration
	MaxAttempts    int
}

type frame struct {
	Error       json.RawMessage `json:"error"`
	Temperature json.RawMessage `json:"temperature"`
	Humidity    json.RawMessage `json:"humidity"`
}

// Uplink is the gateway connection state machine. It owns the cached
// reading and the reconnect bookkeeping; nothing else mutates them.
type Uplink struct {
	cfg       Config
	dialer    *websocket.Dialer
	publisher Publisher
	logger    *slog.Logger

	mu         sync.Mutex
	base       context.Context
	state      domain.ConnectionState
	attempts   int
	reading    domain.TelemetryReading
	conn       *websocket.Conn
	cancelDial context.CancelFunc
	dialSeq    uint64
	timer      *time.Timer
	timerSeq   uint64
}

func NewUplink(cfg Config, publisher Publisher, logger *slog.Logger) *Uplink {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Uplink{
		cfg:       cfg,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		publisher: publisher,
		logger:    logger.With("component", "uplink", "url", cfg.URL),
		base:      context.Background(),
		state:     domain.ConnDisconnected,
	}
}

// Start connects and ties the uplink lifetime to ctx.
func (u *Uplink) Start(ctx context.Context) {
	u.mu.Lock()
	u.base = ctx
	u.mu.Unlock()

	go func() {
		<-ctx.Done()
		u.Disconnect()
	}()

	u.Connect()
}

func (u *Uplink) Stop() {
	u.Disconnect()
}

// Connect starts a connection attempt. It does nothing while a connection
// is already being made or is up.
func (u *Uplink) Connect() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.connectLocked()
}

func (u *Uplink) connectLocked() {
	switch u.state {
	case domain.ConnConnecting, domain.ConnConnected:
		u.logger.Debug("connect ignored", "state", u.state)
		return
	}
	if u.base.Err() != nil {
		return
	}

	u.stopTimerLocked()
	u.state = domain.ConnConnecting

	ctx, cancel := context.WithCancel(u.base)
	u.cancelDial = cancel
	u.dialSeq++

	go u.dial(ctx, u.dialSeq)
}

// Disconnect closes the connection normally and cancels any pending
// reconnect. No further attempt is scheduled.
func (u *Uplink) Disconnect() {
	u.mu.Lock()
	u.stopTimerLocked()

	if u.state == domain.ConnDisconnected {
		u.mu.Unlock()
		return
	}

	u.state = domain.ConnClosing
	conn := u.conn
	if u.cancelDial != nil {
		u.cancelDial()
		u.cancelDial = nil
	}
	u.mu.Unlock()

	if conn == nil {
		return
	}

	u.logger.Info("closing telemetry uplink")
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	_ = conn.Close()
}

// Latest returns a copy of the cached reading.
func (u *Uplink) Latest() domain.TelemetryReading {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.reading.Copy()
}

func (u *Uplink) State() domain.ConnectionState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *Uplink) Attempts() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.attempts
}

func (u *Uplink) dial(ctx context.Context, seq uint64) {
	u.logger.Info("connecting to telemetry gateway")

	conn, _, err := u.dialer.DialContext(ctx, u.cfg.URL, nil)
	if err != nil {
		u.dialFailed(seq, err)
		return
	}

	u.mu.Lock()
	if u.dialSeq != seq {
		u.mu.Unlock()
		_ = conn.Close()
		return
	}
	if u.state != domain.ConnConnecting {
		// Disconnect won the race with the handshake.
		u.state = domain.ConnDisconnected
		u.mu.Unlock()
		_ = conn.Close()
		return
	}
	u.state = domain.ConnConnected
	u.attempts = 0
	u.conn = conn
	u.cancelDial = nil
	snapshot := u.reading.Copy()
	u.mu.Unlock()

	u.logger.Info("telemetry uplink connected")
	metrics.SetUplinkConnected(true)
	u.publisher.BroadcastTelemetry(snapshot)

	go u.readLoop(conn)
}

func (u *Uplink) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			u.lost(conn, err)
			return
		}
		u.handleFrame(conn, data)
	}
}

func (u *Uplink) handleFrame(conn *websocket.Conn, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		u.logger.Warn("unparseable telemetry frame", "error", err)
		u.update(conn, domain.TelemetryReading{}, "reset")
		return
	}

	if present(f.Error) {
		u.logger.Warn("gateway reported error", "error", string(f.Error))
		u.update(conn, domain.TelemetryReading{}, "reset")
		return
	}

	temperature, okT := parseNumber(f.Temperature)
	humidity, okH := parseNumber(f.Humidity)
	if !okT || !okH {
		u.logger.Warn("ignoring telemetry frame without readings", "frame", string(data))
		return
	}

	u.logger.Debug("telemetry reading", "temperature", temperature, "humidity", humidity)
	u.update(conn, domain.NewReading(temperature, humidity), "reading")
}

func (u *Uplink) update(conn *websocket.Conn, reading domain.TelemetryReading, kind string) {
	u.mu.Lock()
	if u.conn != conn {
		u.mu.Unlock()
		return
	}
	u.reading = reading
	u.mu.Unlock()

	metrics.ObserveTelemetry(kind)
	u.publisher.BroadcastTelemetry(reading)
}

func (u *Uplink) dialFailed(seq uint64, cause error) {
	u.mu.Lock()
	if u.dialSeq != seq || u.conn != nil {
		u.mu.Unlock()
		return
	}
	u.dropLocked(cause)
}

func (u *Uplink) lost(conn *websocket.Conn, cause error) {
	u.mu.Lock()
	if u.conn != conn {
		u.mu.Unlock()
		return
	}
	u.dropLocked(cause)
}

// dropLocked moves to DISCONNECTED, resets the cache and decides whether to
// reconnect. It is entered with u.mu held and releases it.
func (u *Uplink) dropLocked(cause error) {
	deliberate := u.state == domain.ConnClosing
	normal := websocket.IsCloseError(cause, websocket.CloseNormalClosure)

	u.conn = nil
	u.cancelDial = nil
	u.state = domain.ConnDisconnected
	u.reading = domain.TelemetryReading{}

	retry := false
	if !deliberate && !normal {
		u.attempts++
		retry = u.attempts < u.cfg.MaxAttempts
	}
	attempts := u.attempts
	seq := u.timerSeq
	u.mu.Unlock()

	metrics.SetUplinkConnected(false)
	metrics.ObserveTelemetry("reset")
	u.publisher.BroadcastTelemetry(domain.TelemetryReading{})

	switch {
	case deliberate || normal:
		u.logger.Info("telemetry uplink closed")
	case retry:
		u.logger.Warn("telemetry uplink lost, reconnecting",
			"error", cause, "attempt", attempts, "max_attempts", u.cfg.MaxAttempts, "delay", u.cfg.ReconnectDelay)
		u.scheduleReconnect(seq)
	default:
		u.logger.Error("telemetry uplink lost, giving up",
			"error", cause, "attempts", attempts)
	}
}

// scheduleReconnect arms the reconnect timer unless Connect or Disconnect
// ran since the drop that observed seq.
func (u *Uplink) scheduleReconnect(seq uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != domain.ConnDisconnected || u.timerSeq != seq {
		return
	}

	u.stopTimerLocked()
	seq = u.timerSeq
	u.timer = time.AfterFunc(u.cfg.ReconnectDelay, func() {
		u.mu.Lock()
		defer u.mu.Unlock()

		if u.timerSeq != seq {
			return
		}
		u.timer = nil
		metrics.ObserveReconnectAttempt()
		u.connectLocked()
	})
}

// stopTimerLocked cancels a pending reconnect. A callback that already
// fired sees the bumped sequence and does nothing.
func (u *Uplink) stopTimerLocked() {
	u.timerSeq++
	if u.timer != nil {
		u.timer.Stop()
		u.timer = nil
	}
}

func present(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	if len(v) == 0 {
		return false
	}
	switch string(v) {
	case "null", "false", `""`:
		return false
	}
	return true
}

// parseNumber accepts a finite JSON number or a string holding one.
func parseNumber(raw json.RawMessage) (float64, bool) {
	if !present(raw) {
		return 0, false
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		n, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false
		}
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}
