package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/icarus10149/icarus-bounty-scanner/internal/aggregation"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
)

const maxMessageLen = 140

// Message is an ntfy JSON publish request.
type Message struct {
	Topic    string   `json:"topic"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Tags     []string `json:"tags,omitempty"`
	Priority int      `json:"priority"`
	Markdown bool     `json:"markdown"`
}

// Notifier publishes payable findings to an ntfy server. A zero-config
// Notifier is disabled and every call is a no-op.
type Notifier struct {
	server      string
	topic       string
	token       string
	payableTags []string
	client      *http.Client
	logger      *logrus.Logger
}

func New(cfg models.NotifyConfig, logger *logrus.Logger) *Notifier {
	if logger == nil {
		logger = logrus.New()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		server:      strings.TrimRight(cfg.Server, "/"),
		topic:       cfg.Topic,
		token:       cfg.Token,
		payableTags: cfg.PayableTags,
		client:      &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

func (n *Notifier) Enabled() bool {
	return n != nil && n.server != "" && n.topic != ""
}

// NotifyFindings sends one alert per payable finding and returns how many
// were delivered. Delivery failures are logged; the last one is returned.
func (n *Notifier) NotifyFindings(ctx context.Context, program string, findings []models.Finding) (int, error) {
	if !n.Enabled() {
		return 0, nil
	}
	payable := aggregation.Payable(findings, n.payableTags)
	var (
		sent    int
		lastErr error
	)
	for _, f := range payable {
		if err := n.Send(ctx, n.messageFor(program, f)); err != nil {
			n.logger.WithField("finding", f.ID).Errorf("[%s] ntfy alert failed: %v", program, err)
			lastErr = err
			continue
		}
		sent++
		n.logger.WithField("finding", f.ID).Infof("[%s] ntfy alert sent", program)
	}
	return sent, lastErr
}

func (n *Notifier) messageFor(program string, f models.Finding) Message {
	location := f.AssetRef
	if m, ok := f.Evidence["matched_at"].(string); ok && m != "" {
		location = m
	}
	desc := f.Description
	if desc == "" {
		desc = f.Title
	}
	desc = truncate(desc, maxMessageLen)

	msg := Message{
		Topic:    n.topic,
		Title:    fmt.Sprintf("[%s] %s", strings.ToUpper(f.Severity.String()), program),
		Message:  fmt.Sprintf("**%s**\n%s", location, desc),
		Tags:     []string{"moneybag", "bug"},
		Priority: 4,
		Markdown: true,
	}
	if f.Severity == models.SeverityCritical {
		msg.Tags = append(msg.Tags, "skull")
		msg.Priority = 5
	}
	return msg
}

// Send publishes msg to the server root, which routes on msg.Topic.
func (n *Notifier) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.server, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("ntfy: %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
