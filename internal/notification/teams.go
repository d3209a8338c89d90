// Package notification posts cycle outcomes to a Microsoft Teams incoming
// webhook.
package notification

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"prefixsync/internal/syncer"
)

const (
	colorSuccess = "00FF00"
	colorFailure = "FF0000"
	colorWarning = "FFA500"
	sendTimeout  = 10 * time.Second
)

// MessageCard is the legacy Office 365 connector card.
type MessageCard struct {
	Type       string `json:"@type"`
	Context    string `json:"@context"`
	Summary    string `json:"summary"`
	ThemeColor string `json:"themeColor"`
	Title      string `json:"title"`
	Text       string `json:"text"`
}

type Teams struct {
	WebhookURL string
	// Target names the controller in message text.
	Target string
	Client *http.Client
	Logger *log.Logger
}

func NewTeams(webhookURL, target string, verifyTLS bool, logger *log.Logger) *Teams {
	if logger == nil {
		logger = log.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !verifyTLS} //nolint:gosec // mirrors VERIFY_TLS
	return &Teams{
		WebhookURL: webhookURL,
		Target:     target,
		Client:     &http.Client{Timeout: sendTimeout, Transport: transport},
		Logger:     logger.WithPrefix("teams"),
	}
}

// Report implements syncer.Reporter. No-op and busy cycles are not
// announced; delivery failures are only logged.
func (t *Teams) Report(ctx context.Context, res *syncer.Result) {
	if t.WebhookURL == "" || res == nil {
		return
	}
	switch res.Status {
	case syncer.StatusNoop, syncer.StatusBusy:
		return
	}

	if err := t.Send(ctx, CardFor(res, t.Target)); err != nil {
		t.Logger.Warn("Teams notification failed", "error", err)
	}
}

func (t *Teams) Send(ctx context.Context, card MessageCard) error {
	payload, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("marshal card: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// CardFor renders a Result as a MessageCard.
func CardFor(res *syncer.Result, target string) MessageCard {
	card := MessageCard{
		Type:    "MessageCard",
		Context: "https://schema.org/extensions",
	}

	switch res.Status {
	case syncer.StatusSuccess:
		card.Title = "Zscaler Sync: Success"
		card.ThemeColor = colorSuccess
		card.Text = fmt.Sprintf("✅ Synced %d CIDRs into %s (%d list(s) changed, +%d/-%d) on %s.",
			res.TargetTotal, res.BaseName, len(res.Applied), res.Additions(), res.Removals(), target)
	case syncer.StatusPlanned:
		card.Title = "Zscaler Sync: Dry run"
		card.ThemeColor = colorSuccess
		card.Text = "ℹ️ " + res.Summary()
	case syncer.StatusBlocked:
		card.Title = "Zscaler Sync: Blocked"
		card.ThemeColor = colorFailure
		card.Text = "❌ " + res.Summary()
	case syncer.StatusDegraded:
		card.Title = "Zscaler Sync: Partial"
		card.ThemeColor = colorWarning
		card.Text = "⚠️ " + res.Summary()
	default:
		card.Title = "Zscaler Sync: Error"
		card.ThemeColor = colorFailure
		card.Text = fmt.Sprintf("❌ %s failed in %s: %s", res.BaseName, res.Stage(), res.Summary())
	}
	card.Summary = card.Title
	return card
}
