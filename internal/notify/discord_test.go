package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSendIPBlockBatch(t *testing.T) {
	t.Parallel()
	var captured []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscord(srv.URL)
	if errSend := d.SendIPBlockBatch(context.Background(), []string{"1.1.1.1", "2.2.2.2"}); errSend != nil {
		t.Fatalf("send: %v", errSend)
	}

	var payload struct {
		Embeds []struct {
			Title  string `json:"title"`
			Fields []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"fields"`
		} `json:"embeds"`
	}
	if errUnmarshal := json.Unmarshal(captured, &payload); errUnmarshal != nil {
		t.Fatalf("unmarshal payload: %v", errUnmarshal)
	}
	if len(payload.Embeds) != 1 {
		t.Fatalf("expected one embed, got %d", len(payload.Embeds))
	}
	if payload.Embeds[0].Title != "Multiple IPs Blocked (2 IPs)" {
		t.Fatalf("unexpected title %q", payload.Embeds[0].Title)
	}
	var ipField string
	for _, f := range payload.Embeds[0].Fields {
		if f.Name == "Blocked IPs" {
			ipField = f.Value
		}
	}
	if !strings.Contains(ipField, "`1.1.1.1`") || !strings.Contains(ipField, "`2.2.2.2`") {
		t.Fatalf("blocked ip field mismatch: %q", ipField)
	}
}

func TestSendAttackSummary(t *testing.T) {
	t.Parallel()
	var captured []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscord(srv.URL)
	errSend := d.SendAttackSummary(context.Background(), AttackSummary{
		TotalDuration: 20 * time.Second,
		TotalRequests: 5000,
		PeakRPS:       400,
		AttackCount:   2,
	})
	if errSend != nil {
		t.Fatalf("send: %v", errSend)
	}
	body := string(captured)
	if !strings.Contains(body, "Attack Wave Ended (2 attacks)") {
		t.Fatalf("expected combined title, got %s", body)
	}
	if !strings.Contains(body, "250.0") {
		t.Fatalf("expected average rps 250.0, got %s", body)
	}
}

func TestSendWithoutWebhookIsNoop(t *testing.T) {
	t.Parallel()
	d := NewDiscord("")
	if errSend := d.SendIPBlockBatch(context.Background(), []string{"1.1.1.1"}); errSend != nil {
		t.Fatalf("empty webhook must be a no-op, got %v", errSend)
	}
}

func TestFormatIPListTruncates(t *testing.T) {
	t.Parallel()
	ips := []string{"1", "2", "3", "4"}
	got := formatIPList(ips, 2)
	if !strings.Contains(got, "... and 2 more") {
		t.Fatalf("expected truncation tail, got %q", got)
	}
}
