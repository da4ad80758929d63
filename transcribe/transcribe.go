// Package transcribe turns voice audio into text via a whisper-server
// HTTP endpoint.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"parley/ports"
)

// DefaultTimeout bounds one transcription request end to end.
const DefaultTimeout = 60 * time.Second

// Client sends audio to a whisper-server /transcribe endpoint.
type Client struct {
	url    string
	client *http.Client
}

// NewClient returns a transcription client for the given endpoint URL.
// A zero timeout falls back to DefaultTimeout.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Transcribe posts the audio as multipart form data and returns the
// recognized text. Empty or whitespace-only transcriptions are errors
// so callers never dispatch blank prompts.
func (c *Client) Transcribe(ctx context.Context, audio []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("audio", "audio.oga")
	if err != nil {
		return "", fmt.Errorf("build multipart body: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("build multipart body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return "", fmt.Errorf("build transcription request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("transcription request failed with status %d", resp.StatusCode)
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("invalid transcription response: %w", err)
	}

	text := strings.TrimSpace(payload.Text)
	if text == "" {
		return "", fmt.Errorf("empty transcription received")
	}
	return text, nil
}

var _ ports.Transcriber = (*Client)(nil)
