package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Embed colors for the two notification kinds.
const (
	colorAttackEnded = 0x00ff00
	colorIPBlocked   = 0xff9900
)

// AttackSummary aggregates one or more attack windows for a combined report.
type AttackSummary struct {
	TotalDuration  time.Duration
	TotalRequests  int64
	PeakRPS        int64
	AttackCount    int
	BlockedIPs     []string
	MitigationTime time.Duration
}

// AverageRPS derives the mean request rate across the reported windows.
func (s AttackSummary) AverageRPS() float64 {
	secs := s.TotalDuration.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(s.TotalRequests) / secs
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields"`
	Timestamp   string       `json:"timestamp"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
}

// Discord posts embed notifications to a webhook. A zero webhook URL turns
// every send into a no-op.
type Discord struct {
	webhookURL string
	httpClient *http.Client
}

// NewDiscord creates a notifier for the given webhook.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		webhookURL: strings.TrimSpace(webhookURL),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SendAttackSummary reports the end of an attack wave.
func (d *Discord) SendAttackSummary(ctx context.Context, summary AttackSummary) error {
	if summary.AttackCount == 0 {
		return nil
	}

	title := "Attack Ended"
	description := "Single attack detected and handled"
	if summary.AttackCount > 1 {
		title = fmt.Sprintf("Attack Wave Ended (%d attacks)", summary.AttackCount)
		description = "Multiple attacks detected within 60 seconds - combined report"
	}

	fields := []embedField{
		{Name: "Total Duration", Value: fmt.Sprintf("%.1f seconds", summary.TotalDuration.Seconds()), Inline: true},
		{Name: "Total Requests", Value: fmt.Sprintf("%d", summary.TotalRequests), Inline: true},
		{Name: "Peak RPS", Value: fmt.Sprintf("%d", summary.PeakRPS), Inline: true},
		{Name: "Average RPS", Value: fmt.Sprintf("%.1f", summary.AverageRPS()), Inline: true},
		{Name: "Attack Count", Value: fmt.Sprintf("%d", summary.AttackCount), Inline: true},
		{Name: "Status", Value: "Server handled successfully", Inline: false},
	}
	if len(summary.BlockedIPs) > 0 {
		fields = append(fields, embedField{Name: "Blocked IPs", Value: formatIPList(summary.BlockedIPs, 5), Inline: false})
	}
	if summary.MitigationTime > 0 {
		fields = append(fields, embedField{Name: "Mitigated in", Value: fmt.Sprintf("%.1f seconds", summary.MitigationTime.Seconds()), Inline: true})
	}

	return d.send(ctx, embed{
		Title:       title,
		Description: description,
		Color:       colorAttackEnded,
		Fields:      fields,
	}, "ExoML API Server - Anti-spam protection active")
}

// SendIPBlockBatch reports a batch of automatically blocked addresses.
func (d *Discord) SendIPBlockBatch(ctx context.Context, ips []string) error {
	if len(ips) == 0 {
		return nil
	}

	title := "IP Address Blocked"
	description := "Automatically blocked 1 IP address due to spam detection"
	if len(ips) > 1 {
		title = fmt.Sprintf("Multiple IPs Blocked (%d IPs)", len(ips))
		description = fmt.Sprintf("Automatically blocked %d IP addresses due to spam detection", len(ips))
	}

	fields := []embedField{
		{Name: "Total Blocked", Value: fmt.Sprintf("%d", len(ips)), Inline: true},
		{Name: "Block Duration", Value: "1 hour", Inline: true},
		{Name: "Protection", Value: "Cloudflare IP Access Rules", Inline: true},
		{Name: "Blocked IPs", Value: formatIPList(ips, 10), Inline: false},
	}

	return d.send(ctx, embed{
		Title:       title,
		Description: description,
		Color:       colorIPBlocked,
		Fields:      fields,
	}, "ExoML API Server - Automatic IP blocking system")
}

func (d *Discord) send(ctx context.Context, e embed, footer string) error {
	if d == nil || d.webhookURL == "" {
		return nil
	}
	e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	e.Footer.Text = footer

	payload := map[string]any{"embeds": []embed{e}}
	raw, errMarshal := json.Marshal(payload)
	if errMarshal != nil {
		return fmt.Errorf("notify: encode embed: %w", errMarshal)
	}

	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(raw))
	if errReq != nil {
		return fmt.Errorf("notify: build request: %w", errReq)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ExoML-Server/1.0")

	resp, errDo := d.httpClient.Do(req)
	if errDo != nil {
		return fmt.Errorf("notify: post webhook: %w", errDo)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notify: webhook status %d", resp.StatusCode)
	}
	log.Debug("notify: discord notification sent")
	return nil
}

// formatIPList renders up to limit addresses as code spans, appending a
// "... and N more" tail for larger batches.
func formatIPList(ips []string, limit int) string {
	var b strings.Builder
	shown := ips
	if len(ips) > limit {
		shown = ips[:limit]
	}
	for i, ip := range shown {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("`" + ip + "`")
	}
	if len(ips) > limit {
		fmt.Fprintf(&b, "\n... and %d more", len(ips)-limit)
	}
	return b.String()
}
