package pushover

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"voice-home/internal/application"
	"voice-home/internal/domain"
)

const (
	DefaultEndpoint = "https://api.pushover.net/1/messages.json"
	queueSize       = 32
)

type Client struct {
	token      string
	userKey    string
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
	queue      chan string
}

func NewClient(token, userKey, endpoint string, logger *slog.Logger) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		token:      token,
		userKey:    userKey,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "pushover"),
		queue:      make(chan string, queueSize),
	}
}

// Publish queues a push message for device changes. Other events are
// ignored and a full queue drops the message.
func (c *Client) Publish(event string, payload any) {
	if event != application.EventDeviceStateChanged {
		return
	}
	device, ok := payload.(domain.Device)
	if !ok {
		return
	}

	msg := fmt.Sprintf("%s turned %s", device.Name, strings.ToUpper(string(device.State)))
	select {
	case c.queue <- msg:
	default:
		c.logger.Warn("notification queue full, dropping", "device_id", device.ID)
	}
}

// Run delivers queued messages until ctx is done.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.queue:
			if err := c.Notify(ctx, msg); err != nil {
				c.logger.Warn("sending notification", "error", err)
			}
		}
	}
}

func (c *Client) Notify(ctx context.Context, message string) error {
	if c.token == "" || c.userKey == "" {
		return nil
	}

	data := url.Values{}
	data.Set("token", c.token)
	data.Set("user", c.userKey)
	data.Set("message", message)
	data.Set("title", "Voice Home")

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.endpoint,
		strings.NewReader(data.Encode()),
	)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pushover error: %s", resp.Status)
	}

	return nil
}
