package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

// ErrNoEndpoint is returned by Send when no endpoint is configured.
var ErrNoEndpoint = errors.New("notify: endpoint is required")

// Notifier posts plain-text alerts to an ntfy-style endpoint. A Notifier with
// an empty endpoint is disabled and Notify returns nil.
type Notifier struct {
	Endpoint string
	Title    string
	Client   *http.Client
}

// New builds a Notifier with a bounded HTTP client.
func New(endpoint, title string) *Notifier {
	return &Notifier{
		Endpoint: endpoint,
		Title:    title,
		Client:   &http.Client{Timeout: defaultTimeout},
	}
}

// Enabled reports whether alerts will be sent.
func (n *Notifier) Enabled() bool {
	return n != nil && n.Endpoint != ""
}

// Notify sends message unless the notifier is disabled.
func (n *Notifier) Notify(ctx context.Context, message string) error {
	if !n.Enabled() {
		return nil
	}
	return send(ctx, n.Client, n.Endpoint, n.Title, message)
}

// Send posts message to endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	return send(ctx, client, endpoint, "", message)
}

func send(ctx context.Context, client *http.Client, endpoint, title, message string) error {
	if endpoint == "" {
		return ErrNoEndpoint
	}
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	if title != "" {
		req.Header.Set("Title", title)
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}
