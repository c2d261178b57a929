package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"voice-home/internal/application"
	"voice-home/internal/domain"
	"voice-home/internal/infra/httpapi"
	"voice-home/internal/infra/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// copyNormalizer "converts" by copying the upload next to it.
type copyNormalizer struct{ fail bool }

func (n copyNormalizer) Normalize(_ context.Context, in string) (string, error) {
	if n.fail {
		return "", &domain.ConversionError{Input: in, Err: io.ErrUnexpectedEOF}
	}
	data, err := os.ReadFile(in)
	if err != nil {
		return "", err
	}
	out := in + ".norm.wav"
	return out, os.WriteFile(out, data, 0o644)
}

// scriptedTranscriber answers with the command code written in the clip.
type scriptedTranscriber struct {
	mu    sync.Mutex
	paths []string
}

func (s *scriptedTranscriber) Transcribe(_ context.Context, path string) domain.TranscriptionOutcome {
	s.mu.Lock()
	s.paths = append(s.paths, path)
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	os.Remove(path)
	if err != nil {
		return domain.FailedWith(domain.ErrAudioNotFound)
	}
	if string(data) == "timeout" {
		return domain.FailedWith(domain.ErrTranscriptionTimeout)
	}
	var code int
	if err := json.Unmarshal(data, &code); err != nil {
		return domain.Transcribed{CommandCode: domain.CodeUnrecognized}
	}
	return domain.Transcribed{CommandCode: code}
}

type fixedTelemetry struct{ reading domain.TelemetryReading }

func (f fixedTelemetry) Latest() domain.TelemetryReading { return f.reading }

type env struct {
	srv       *httptest.Server
	uploadDir string
}

func newEnv(t *testing.T, normalizer application.AudioNormalizer, rateLimit int) *env {
	t.Helper()

	dsn := "file:httpapi_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Seed(context.Background()); err != nil {
		t.Fatal(err)
	}

	logger := discardLogger()
	coord := application.NewCoordinator(repo, application.NewFanOut(nil, 0, logger), logger)
	assistant := application.NewAssistant(nil, normalizer, &scriptedTranscriber{}, coord, logger)

	uploadDir := t.TempDir()
	server := httpapi.NewServer(httpapi.Config{
		UploadDir:          uploadDir,
		MaxUploadBytes:     1 << 20,
		RateLimitPerMinute: rateLimit,
	}, assistant, coord, repo, fixedTelemetry{domain.NewReading(24, 55)}, nil, logger)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &env{srv: srv, uploadDir: uploadDir}
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (e *env) upload(t *testing.T, content string) (int, apiResponse) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("audio", "command.m4a")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte(content))
	mw.Close()

	resp, err := http.Post(e.srv.URL+"/ai/transcribe", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	return decode(t, resp)
}

func (e *env) do(t *testing.T, method, path, body string) (int, apiResponse) {
	t.Helper()
	req, _ := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return decode(t, resp)
}

func decode(t *testing.T, resp *http.Response) (int, apiResponse) {
	t.Helper()
	defer resp.Body.Close()
	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp.StatusCode, out
}

func commandResult(t *testing.T, r apiResponse) application.CommandResult {
	t.Helper()
	var res application.CommandResult
	if err := json.Unmarshal(r.Data, &res); err != nil {
		t.Fatal(err)
	}
	return res
}

func TestTranscribe_AppliesCommand(t *testing.T) {
	e := newEnv(t, copyNormalizer{}, 0)

	status, resp := e.upload(t, "3")
	if status != http.StatusOK || !resp.Success {
		t.Fatalf("status %d: %+v", status, resp)
	}
	res := commandResult(t, resp)
	if res.Status != application.StatusApplied || res.CommandCode != 3 {
		t.Errorf("result: %+v", res)
	}
	if len(res.Devices) != 1 || res.Devices[0].ID != 2 || res.Devices[0].State != domain.StateOn {
		t.Errorf("devices: %+v", res.Devices)
	}

	status, resp = e.upload(t, "3")
	res = commandResult(t, resp)
	if status != http.StatusOK || res.Status != application.StatusNoOp {
		t.Errorf("repeat: %d %+v", status, res)
	}
	if res.Message != "Device 2 is already in state ON. No update needed." {
		t.Errorf("notice: %q", res.Message)
	}

	entries, _ := os.ReadDir(e.uploadDir)
	if len(entries) != 0 {
		t.Errorf("uploads left behind: %d", len(entries))
	}

	_, logs := e.do(t, http.MethodGet, "/devices/2/logs", "")
	var entriesOut []domain.DeviceLog
	json.Unmarshal(logs.Data, &entriesOut)
	if len(entriesOut) != 1 || entriesOut[0].IPAddress != "127.0.0.1" {
		t.Errorf("logs: %+v", entriesOut)
	}
}

func TestTranscribe_NotUnderstood(t *testing.T) {
	tests := []struct {
		name       string
		normalizer copyNormalizer
		clip       string
	}{
		{name: "unrecognized code", clip: "42"},
		{name: "garbled result", clip: "hello"},
		{name: "timeout", clip: "timeout"},
		{name: "conversion failure", normalizer: copyNormalizer{fail: true}, clip: "1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, tt.normalizer, 0)
			status, resp := e.upload(t, tt.clip)
			if status != http.StatusOK {
				t.Fatalf("status %d: %+v", status, resp)
			}
			if res := commandResult(t, resp); res.Status != application.StatusNotUnderstood {
				t.Errorf("result: %+v", res)
			}
		})
	}
}

func TestTranscribe_MissingFile(t *testing.T) {
	e := newEnv(t, copyNormalizer{}, 0)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("note", "no audio")
	mw.Close()

	resp, err := http.Post(e.srv.URL+"/ai/transcribe", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	status, out := decode(t, resp)
	if status != http.StatusBadRequest || out.Success || out.Error == "" {
		t.Errorf("got %d %+v", status, out)
	}
}

func TestTranscribe_RateLimited(t *testing.T) {
	e := newEnv(t, copyNormalizer{}, 2)

	for i := 0; i < 2; i++ {
		if status, _ := e.upload(t, "1"); status != http.StatusOK {
			t.Fatalf("request %d: status %d", i, status)
		}
	}
	if status, _ := e.upload(t, "1"); status != http.StatusTooManyRequests {
		t.Errorf("third request: status %d", status)
	}
}

func TestDevices_ManualStateChanges(t *testing.T) {
	e := newEnv(t, copyNormalizer{}, 0)

	status, resp := e.do(t, http.MethodPatch, "/devices/1/state", `{"state":"ON"}`)
	if status != http.StatusOK {
		t.Fatalf("single: %d %+v", status, resp)
	}

	status, resp = e.do(t, http.MethodPatch, "/devices/state", `{"state":"on"}`)
	if status != http.StatusOK {
		t.Fatalf("bulk: %d %+v", status, resp)
	}
	var bulk struct {
		Changed bool            `json:"changed"`
		Devices []domain.Device `json:"devices"`
	}
	json.Unmarshal(resp.Data, &bulk)
	if !bulk.Changed || len(bulk.Devices) != 4 {
		t.Errorf("bulk: %+v", bulk)
	}

	_, resp = e.do(t, http.MethodPatch, "/devices/state", `{"state":"on"}`)
	json.Unmarshal(resp.Data, &bulk)
	if bulk.Changed {
		t.Error("second bulk ON should be a no-op")
	}

	_, resp = e.do(t, http.MethodGet, "/devices/logs", "")
	var logs []domain.DeviceLog
	json.Unmarshal(resp.Data, &logs)
	if len(logs) != 4 {
		t.Errorf("logs: got %d, want 4", len(logs))
	}
}

func TestDevices_Errors(t *testing.T) {
	e := newEnv(t, copyNormalizer{}, 0)

	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/devices/99", "", http.StatusNotFound},
		{http.MethodGet, "/devices/abc", "", http.StatusBadRequest},
		{http.MethodPatch, "/devices/1/state", `{"state":"dim"}`, http.StatusBadRequest},
		{http.MethodPatch, "/devices/1/state", `not json`, http.StatusBadRequest},
		{http.MethodPatch, "/devices/99/state", `{"state":"on"}`, http.StatusNotFound},
		{http.MethodGet, "/devices/99/logs", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		status, resp := e.do(t, tt.method, tt.path, tt.body)
		if status != tt.want || resp.Success {
			t.Errorf("%s %s: got %d %+v, want %d", tt.method, tt.path, status, resp, tt.want)
		}
	}
}

func TestWeatherContext(t *testing.T) {
	e := newEnv(t, copyNormalizer{}, 0)

	status, resp := e.do(t, http.MethodGet, "/weather-context", "")
	if status != http.StatusOK {
		t.Fatalf("status %d", status)
	}
	if got := string(resp.Data); got != `{"temperature":24,"humidity":55}` {
		t.Errorf("data: %s", got)
	}
}

func TestRateLimiter_WindowResets(t *testing.T) {
	rl := httpapi.NewRateLimiter(1, 50*time.Millisecond)

	if !rl.Allow("a") || rl.Allow("a") {
		t.Fatal("first request allowed, second denied")
	}
	if !rl.Allow("b") {
		t.Error("other clients have their own bucket")
	}

	time.Sleep(60 * time.Millisecond)
	if !rl.Allow("a") {
		t.Error("bucket should refill after the window")
	}
}

