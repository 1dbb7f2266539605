// Package catalog talks to the song catalog HTTP API: song metadata, stream
// locations and the server-side play queue.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/krew/jam/internal/player"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseBody = 1 << 20

	// durationHeader carries the media length in seconds on stream probes.
	durationHeader = "X-Content-Duration"
)

var (
	ErrNotFound     = errors.New("song not found")
	ErrUnauthorized = errors.New("unauthorized")
)

type Config struct {
	BaseURL string
	// Token is sent as a bearer credential with every request.
	Token   string
	// RPS limits outgoing requests; zero disables the limit.
	RPS     float64
	Burst   int
	Timeout time.Duration
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

func New(cfg *Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		limiter: limiter,
	}
}

func (c *Client) request(ctx context.Context, method, target string, body any) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}

	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, dst any) error {
	resp, err := c.request(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	defer drain(resp)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := statusError(resp.StatusCode, data); err != nil {
		return err
	}
	if dst == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

func statusError(code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrUnauthorized
	}
	if len(body) > 200 {
		body = body[:200]
	}

	return fmt.Errorf("catalog returned status %d: %s", code, body)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	resp.Body.Close()
}

// Song fetches the metadata of one song.
func (c *Client) Song(ctx context.Context, songID int64) (player.Track, error) {
	var t player.Track
	if err := c.do(ctx, http.MethodGet, "/songs/"+strconv.FormatInt(songID, 10), nil, &t); err != nil {
		return player.Track{}, fmt.Errorf("failed to get song %d: %w", songID, err)
	}
	if t.SongID == 0 {
		t.SongID = songID
	}
	if strings.HasPrefix(t.StreamURI, "/") {
		t.StreamURI = c.baseURL + t.StreamURI
	}

	return t, nil
}

// StreamURI is where the audio of songID can be fetched.
func (c *Client) StreamURI(_ context.Context, songID int64) (string, error) {
	if songID <= 0 {
		return "", ErrNotFound
	}

	return c.baseURL + "/songs/" + strconv.FormatInt(songID, 10) + "/stream", nil
}

// Probe checks that uri serves audio and returns its length in seconds, or
// 0 when the server does not report it.
func (c *Client) Probe(ctx context.Context, uri string) (float64, error) {
	resp, err := c.request(ctx, http.MethodHead, uri, nil)
	if err != nil {
		return 0, err
	}
	defer drain(resp)

	if err := statusError(resp.StatusCode, nil); err != nil {
		return 0, fmt.Errorf("failed to probe stream: %w", err)
	}

	d, err := strconv.ParseFloat(resp.Header.Get(durationHeader), 64)
	if err != nil || d < 0 {
		return 0, nil
	}

	return d, nil
}

// Next advances the server-side queue and returns its next song. ok is
// false when the queue is exhausted.
func (c *Client) Next(ctx context.Context) (player.Track, bool, error) {
	var t player.Track
	if err := c.do(ctx, http.MethodPost, "/player/next", nil, &t); err != nil {
		if errors.Is(err, ErrNotFound) {
			return player.Track{}, false, nil
		}
		return player.Track{}, false, fmt.Errorf("failed to get next song: %w", err)
	}
	if t.SongID == 0 {
		return player.Track{}, false, nil
	}

	return t, true, nil
}

// HasNext reports whether the server may have a next song. The server queue
// is only known by asking for it, so this is true whenever the client is
// configured.
func (c *Client) HasNext() bool {
	return c.baseURL != ""
}

type playedRequest struct {
	Duration int `json:"duration"`
}

// LogPlay records that songID was listened to for the given duration.
func (c *Client) LogPlay(ctx context.Context, songID int64, listened time.Duration) error {
	body := playedRequest{Duration: int(listened.Round(time.Second) / time.Second)}
	if err := c.do(ctx, http.MethodPost, "/songs/"+strconv.FormatInt(songID, 10)+"/played", body, nil); err != nil {
		return fmt.Errorf("failed to log play of song %d: %w", songID, err)
	}

	return nil
}
