// Package transcription talks to the remote speech recognizer over a single
// long-lived websocket. Each request carries a correlation id; responses are
// routed back to the waiting caller by that id.
package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voice-home/internal/domain"
	"voice-home/internal/infra"
	"voice-home/internal/infra/metrics"
)

const (
	DefaultTimeout = 30 * time.Second

	eventTranscribe = "transcribe_audio"
	eventComplete   = "transcription_complete"
	eventError      = "transcription_error"

	writeTimeout = 10 * time.Second
)

type request struct {
	Event string      `json:"event"`
	ID    string      `json:"id"`
	Data  requestData `json:"data"`
}

type requestData struct {
	Filename string `json:"filename"`
	Audio    []byte `json:"audio"`
}

type message struct {
	Event string          `json:"event"`
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data"`
}

type completeData struct {
	CommandCode *int   `json:"command_code"`
	Text        string `json:"text"`
}

type errorData struct {
	Message string `json:"message"`
}

var (
	errClientClosed = errors.New("client closed")
	// A 4xx handshake answer will not change on retry.
	errHandshakeRejected = errors.New("handshake rejected")
)

func dialRetryConfig() infra.RetryConfig {
	cfg := infra.DialRetryConfig()
	cfg.Retryable = func(err error) bool { return !errors.Is(err, errHandshakeRejected) }
	return cfg
}

type call struct {
	conn *websocket.Conn
	ch   chan domain.TranscriptionOutcome
}

type Client struct {
	url     string
	timeout time.Duration
	dialer  *websocket.Dialer
	retry   infra.RetryConfig
	logger  *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
	closed bool

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*call
}

func NewClient(url string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		url:     url,
		timeout: timeout,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		retry:   dialRetryConfig(),
		logger:  logger.With("component", "transcription"),
		pending: make(map[string]*call),
	}
}

// Start opens the connection ahead of the first request.
func (c *Client) Start(ctx context.Context) error {
	_, err := c.connection(ctx)
	return err
}

func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.closed = true
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) Transcribe(ctx context.Context, audioPath string) domain.TranscriptionOutcome {
	start := time.Now()
	outcome := c.transcribe(ctx, audioPath)

	result := metrics.ResultSuccess
	if f, ok := outcome.(domain.TranscriptionFailed); ok {
		result = string(f.Kind)
	}
	metrics.ObserveTranscription(result, time.Since(start))

	return outcome
}

func (c *Client) transcribe(ctx context.Context, audioPath string) domain.TranscriptionOutcome {
	audio, err := os.ReadFile(audioPath)
	if errors.Is(err, os.ErrNotExist) {
		return domain.FailedWith(fmt.Errorf("%w: %s", domain.ErrAudioNotFound, audioPath))
	}
	if err != nil {
		return domain.FailedWith(&domain.TranscriptionError{Message: fmt.Sprintf("reading audio: %v", err)})
	}
	defer c.removeFile(audioPath)

	conn, err := c.connection(ctx)
	if err != nil {
		return domain.FailedWith(&domain.TranscriptionError{Message: fmt.Sprintf("connecting: %v", err)})
	}

	id := uuid.NewString()
	ch := c.register(id, conn)
	defer c.retire(id)

	c.logger.Info("sending audio for transcription", "id", id, "path", audioPath, "bytes", len(audio))

	err = c.send(conn, request{
		Event: eventTranscribe,
		ID:    id,
		Data: requestData{
			Filename: filepath.Base(audioPath),
			Audio:    audio,
		},
	})
	if err != nil {
		c.drop(conn, err)
		return domain.FailedWith(&domain.TranscriptionError{Message: fmt.Sprintf("sending audio: %v", err)})
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case outcome := <-ch:
		return outcome
	case <-timer.C:
		c.logger.Warn("transcription timed out", "id", id, "timeout", c.timeout)
		return domain.FailedWith(domain.ErrTranscriptionTimeout)
	case <-ctx.Done():
		return domain.FailedWith(&domain.TranscriptionError{Message: ctx.Err().Error()})
	}
}

// connection returns the live connection, dialing one if needed. The dial
// and its backoff run without holding connMu so Close and other callers are
// not held up; if two callers race, the first connection installed wins.
func (c *Client) connection(ctx context.Context) (*websocket.Conn, error) {
	c.connMu.Lock()
	if c.closed {
		c.connMu.Unlock()
		return nil, errClientClosed
	}
	if c.conn != nil {
		conn := c.conn
		c.connMu.Unlock()
		return conn, nil
	}
	c.connMu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	switch {
	case c.closed:
		_ = conn.Close()
		return nil, errClientClosed
	case c.conn != nil:
		_ = conn.Close()
		return c.conn, nil
	}

	c.logger.Info("connected to transcription service", "url", c.url)
	c.conn = conn
	go c.readLoop(conn)

	return conn, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	err := infra.WithRetry(ctx, c.retry, func(attempt int) error {
		var (
			resp    *http.Response
			dialErr error
		)
		conn, resp, dialErr = c.dialer.DialContext(ctx, c.url, nil)
		if dialErr == nil {
			return nil
		}
		c.logger.Warn("dialing transcription service", "url", c.url, "attempt", attempt, "error", dialErr)
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return fmt.Errorf("%w: %s", errHandshakeRejected, resp.Status)
		}
		return dialErr
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) send(conn *websocket.Conn, req request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(req)
}

func (c *Client) register(id string, conn *websocket.Conn) <-chan domain.TranscriptionOutcome {
	ch := make(chan domain.TranscriptionOutcome, 1)

	c.mu.Lock()
	c.pending[id] = &call{conn: conn, ch: ch}
	c.mu.Unlock()

	return ch
}

func (c *Client) retire(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// deliver hands outcome to the caller waiting on id. Responses without an id
// or for a call that was already retired are dropped: they may belong to a
// request that timed out.
func (c *Client) deliver(id string, outcome domain.TranscriptionOutcome) {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("dropping uncorrelated transcription response", "id", id)
		return
	}
	pc.ch <- outcome
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.drop(conn, err)
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("decoding transcription message", "error", err)
			continue
		}

		switch msg.Event {
		case eventComplete:
			var d completeData
			if err := json.Unmarshal(msg.Data, &d); err != nil {
				c.logger.Warn("decoding transcription result", "id", msg.ID, "error", err)
			}
			code := domain.CodeUnrecognized
			if d.CommandCode != nil {
				code = *d.CommandCode
			}
			c.deliver(msg.ID, domain.Transcribed{CommandCode: code, Text: d.Text})

		case eventError:
			var d errorData
			if err := json.Unmarshal(msg.Data, &d); err != nil || d.Message == "" {
				d.Message = "unknown transcription error"
			}
			c.deliver(msg.ID, domain.FailedWith(&domain.TranscriptionError{Message: d.Message}))

		default:
			c.logger.Debug("ignoring transcription event", "event", msg.Event)
		}
	}
}

// drop forgets conn and fails every call that was sent over it. The next
// request dials again.
func (c *Client) drop(conn *websocket.Conn, cause error) {
	c.connMu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	closed := c.closed
	c.connMu.Unlock()

	_ = conn.Close()

	if current && !closed {
		c.logger.Warn("transcription connection lost", "error", cause)
	}

	c.mu.Lock()
	var failed []*call
	for id, pc := range c.pending {
		if pc.conn == conn {
			delete(c.pending, id)
			failed = append(failed, pc)
		}
	}
	c.mu.Unlock()

	for _, pc := range failed {
		pc.ch <- domain.FailedWith(&domain.TranscriptionError{Message: fmt.Sprintf("connection lost: %v", cause)})
	}
}

func (c *Client) removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("removing normalized audio", "path", path, "error", err)
	}
}
