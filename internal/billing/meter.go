// Package billing prices node uptime and reports usage entries to an
// external accounting endpoint.
//
// Cost is pro-rated by the second: price per hour * elapsed / 1h.
package billing

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/softcane/skyway-agent/internal/ledger"
)

// Version is sent with every report.
const Version = "1.0.0"

var secondsPerHour = decimal.NewFromInt(3600)

// Cost returns the cost of running at price (per hour) from start to end.
// A non-positive interval costs nothing.
func Cost(price decimal.Decimal, start, end time.Time) decimal.Decimal {
	if !end.After(start) || price.IsNegative() {
		return decimal.Zero
	}
	secs := decimal.NewFromInt(int64(end.Sub(start) / time.Second))
	return price.Mul(secs).Div(secondsPerHour).Round(6)
}

// UsageReport is the JSON body posted per usage entry.
type UsageReport struct {
	ID         string    `json:"id"`
	Account    string    `json:"account"`
	User       string    `json:"user,omitempty"`
	ProviderID string    `json:"provider_id"`
	NodeClass  string    `json:"node_class"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Minutes    int       `json:"minutes"`
	Cost       string    `json:"cost"`

	// Signature is an HMAC-SHA256 over the billed fields, empty when no
	// secret is configured.
	Signature string `json:"signature,omitempty"`
}

// Sign returns the signature of r under secret.
func (r UsageReport) Sign(secret string) string {
	payload := fmt.Sprintf("%s|%s|%s|%s|%s|%s",
		r.ID,
		r.Account,
		r.ProviderID,
		r.Start.UTC().Format(time.RFC3339),
		r.End.UTC().Format(time.RFC3339),
		r.Cost,
	)
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks the report's signature under secret.
func (r UsageReport) Verify(secret string) bool {
	return hmac.Equal([]byte(r.Sign(secret)), []byte(r.Signature))
}

// Meter reports usage entries to the accounting API.
type Meter struct {
	endpoint string
	enabled  bool
	dryRun   bool
	secret   string
	logger   *slog.Logger

	// HTTP client with timeout
	client *http.Client
}

// MeterConfig holds configuration for the billing meter.
type MeterConfig struct {
	Endpoint string
	Enabled  bool
	DryRun   bool

	// SecretKey signs every report when set.
	SecretKey string
	Logger    *slog.Logger
}

// NewMeter creates a new billing meter.
func NewMeter(cfg MeterConfig) *Meter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Meter{
		endpoint: cfg.Endpoint,
		enabled:  cfg.Enabled && cfg.Endpoint != "",
		dryRun:   cfg.DryRun,
		secret:   cfg.SecretKey,
		logger:   logger,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Report sends one usage entry. The endpoint must treat the entry id as an
// idempotency key: the same entry may be reported more than once.
func (m *Meter) Report(ctx context.Context, e ledger.UsageEntry) error {
	if !m.enabled {
		m.logger.Debug("usage reporting disabled, skipping report")
		return nil
	}

	report := UsageReport{
		ID:         e.ID,
		Account:    e.Account,
		User:       e.User,
		ProviderID: e.ProviderID,
		NodeClass:  e.NodeClass,
		Start:      e.Start,
		End:        e.End,
		Minutes:    int(e.End.Sub(e.Start).Minutes()),
		Cost:       e.Cost.StringFixed(6),
	}
	if m.secret != "" {
		report.Signature = report.Sign(m.secret)
	}

	if m.dryRun {
		m.logger.Info("DRY-RUN: would report usage",
			"provider_id", report.ProviderID,
			"cost", report.Cost,
			"endpoint", m.endpoint,
		)
		return nil
	}

	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal usage report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", e.IdempotencyKey())
	req.Header.Set("X-Skyway-Version", Version)

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Error("failed to report usage", "error", err)
		return fmt.Errorf("failed to send usage report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		m.logger.Error("accounting API error",
			"status", resp.StatusCode,
			"provider_id", report.ProviderID,
		)
		return fmt.Errorf("accounting API returned status %d", resp.StatusCode)
	}

	m.logger.Info("usage reported",
		"provider_id", report.ProviderID,
		"cost", report.Cost,
	)
	return nil
}
