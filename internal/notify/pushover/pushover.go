// Package pushover delivers notifications through the Pushover messages API.
package pushover

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/linkwatch/internal/notify"
)

// DefaultEndpoint is the public Pushover messages API.
const DefaultEndpoint = "https://api.pushover.net/1/messages.json"

// API limits, in characters.
const (
	maxTitle   = 250
	maxMessage = 1024
	maxURL     = 512
)

// Config holds Pushover credentials.
type Config struct {
	Token    string
	User     string
	Endpoint string
	Timeout  time.Duration
}

// Sink posts notifications to Pushover.
type Sink struct {
	cfg    Config
	client *http.Client
}

var _ notify.Sink = (*Sink)(nil)

// New validates cfg and builds a Sink. A nil client gets a default with cfg.Timeout.
func New(cfg Config, client *http.Client) (*Sink, error) {
	if cfg.Token == "" || cfg.User == "" {
		return nil, errors.New("pushover token and user are required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Sink{cfg: cfg, client: client}, nil
}

// Name implements notify.Sink.
func (*Sink) Name() string { return "pushover" }

// Send posts one message. 4xx answers other than 429 are permanent.
func (s *Sink) Send(ctx context.Context, n notify.Notification) error {
	form := url.Values{}
	form.Set("token", s.cfg.Token)
	form.Set("user", s.cfg.User)
	form.Set("message", truncate(n.Message, maxMessage))
	if n.Title != "" {
		form.Set("title", truncate(n.Title, maxTitle))
	}
	if n.URL != "" && len(n.URL) <= maxURL {
		form.Set("url", n.URL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return notify.Permanent(fmt.Errorf("build pushover request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("pushover request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("pushover: status code %d", resp.StatusCode)
	default:
		return notify.Permanent(fmt.Errorf("pushover: status code %d", resp.StatusCode))
	}
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
