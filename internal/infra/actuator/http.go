// Package actuator forwards committed device states to the physical
// actuator gateway.
package actuator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"voice-home/internal/domain"
	"voice-home/internal/infra/metrics"
)

const userAgent = "SmartHome-Backend/1.0"

// HTTPGateway drives the gateway's /control endpoint. Deadlines come from
// the caller's context.
type HTTPGateway struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPGateway(baseURL string) *HTTPGateway {
	return &HTTPGateway{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

func (g *HTTPGateway) Control(ctx context.Context, deviceID uint, state domain.DeviceState) error {
	err := g.control(ctx, deviceID, state)
	metrics.ObserveActuator("http", err)
	return err
}

func (g *HTTPGateway) control(ctx context.Context, deviceID uint, state domain.DeviceState) error {
	q := url.Values{}
	q.Set("id", strconv.FormatUint(uint64(deviceID), 10))
	q.Set("state", string(state))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/control?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling actuator gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("actuator gateway error (status %d): %s", resp.StatusCode, string(body))
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
