package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/exoml/relay/internal/db"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, errOpen := db.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return conn
}

func TestRecorder_PersistsEntry(t *testing.T) {
	conn := newTestDB(t)
	recorder := NewRecorder(conn)

	recorder.Record(context.Background(), Entry{
		APIKey:         "sk-abcdefghijklmnop",
		Username:       "tester",
		ClientIP:       "1.2.3.4",
		Endpoint:       "/v1/chat/completions",
		Model:          "gpt-4o",
		Provider:       "alpha-one",
		StatusCode:     http.StatusOK,
		Streamed:       true,
		RawTokens:      1200,
		AdjustedTokens: 1800,
		Multiplier:     1.5,
		Duration:       1500 * time.Millisecond,
	})

	var row struct {
		RequestID      string  `gorm:"column:request_id"`
		APIKeySuffix   string  `gorm:"column:api_key_suffix"`
		AdjustedTokens int64   `gorm:"column:adjusted_tokens"`
		Multiplier     float64 `gorm:"column:multiplier"`
		DurationMs     int64   `gorm:"column:duration_ms"`
		Failed         bool    `gorm:"column:failed"`
	}
	if errFind := conn.Table("request_logs").Order("id DESC").Take(&row).Error; errFind != nil {
		t.Fatalf("query request log: %v", errFind)
	}
	if row.RequestID == "" {
		t.Fatal("expected a generated request id")
	}
	if row.APIKeySuffix != "...mnop" {
		t.Fatalf("expected suffix ...mnop, got %q", row.APIKeySuffix)
	}
	if row.AdjustedTokens != 1800 || row.Multiplier != 1.5 || row.DurationMs != 1500 {
		t.Fatalf("billing columns mismatch: %+v", row)
	}
	if row.Failed {
		t.Fatal("successful entry must not be marked failed")
	}
}

func TestRecorder_SurvivesCallerCancellation(t *testing.T) {
	conn := newTestDB(t)
	recorder := NewRecorder(conn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	recorder.Record(ctx, Entry{
		APIKey:     "sk-abcdefghijklmnop",
		Endpoint:   "/v1/chat/completions",
		StatusCode: http.StatusOK,
		RawTokens:  10,
	})

	var count int64
	if errCount := conn.Table("request_logs").Count(&count).Error; errCount != nil {
		t.Fatalf("count request logs: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("a cancelled caller context must not drop the audit row, got %d rows", count)
	}
}

func TestRecorder_CapturesErrorDetail(t *testing.T) {
	conn := newTestDB(t)
	recorder := NewRecorder(conn)

	recorder.Record(context.Background(), Entry{
		APIKey:     "sk-abcdefghijklmnop",
		Endpoint:   "/v1/chat/completions",
		StatusCode: http.StatusBadGateway,
		Failed:     true,
		ErrorBody:  []byte(`{"error":{"message":"upstream failed"}}`),
	})

	var row struct {
		StatusCode  sql.NullInt64 `gorm:"column:status_code"`
		ErrorDetail []byte        `gorm:"column:error_detail"`
	}
	if errFind := conn.Table("request_logs").
		Select("status_code, error_detail").
		Order("id DESC").
		Take(&row).Error; errFind != nil {
		t.Fatalf("query error detail: %v", errFind)
	}
	if !row.StatusCode.Valid || row.StatusCode.Int64 != http.StatusBadGateway {
		t.Fatalf("expected status_code=502, got %v", row.StatusCode.Int64)
	}

	var payload map[string]any
	if errUnmarshal := json.Unmarshal(row.ErrorDetail, &payload); errUnmarshal != nil {
		t.Fatalf("unmarshal error detail: %v", errUnmarshal)
	}
	if payload["status_code"] != float64(http.StatusBadGateway) {
		t.Fatal("expected status_code in detail")
	}
	nested, ok := payload["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected parsed error object, got %T", payload["error"])
	}
	if inner, _ := nested["error"].(map[string]any); inner == nil || inner["message"] != "upstream failed" {
		t.Fatalf("expected upstream message preserved, got %v", nested)
	}
}

func TestRecorder_NonJSONErrorBodyWrapped(t *testing.T) {
	conn := newTestDB(t)
	recorder := NewRecorder(conn)

	recorder.Record(context.Background(), Entry{
		Endpoint:   "/v1/images/generations",
		StatusCode: http.StatusServiceUnavailable,
		Failed:     true,
		ErrorBody:  []byte("connection reset by peer"),
	})

	var row struct {
		ErrorDetail []byte `gorm:"column:error_detail"`
	}
	if errFind := conn.Table("request_logs").
		Select("error_detail").
		Order("id DESC").
		Take(&row).Error; errFind != nil {
		t.Fatalf("query error detail: %v", errFind)
	}
	var payload map[string]any
	if errUnmarshal := json.Unmarshal(row.ErrorDetail, &payload); errUnmarshal != nil {
		t.Fatalf("unmarshal error detail: %v", errUnmarshal)
	}
	if payload["message"] != "connection reset by peer" {
		t.Fatalf("expected plain body wrapped as message, got %v", payload)
	}
}

func TestRetentionCleaner_DeletesOldRows(t *testing.T) {
	conn := newTestDB(t)
	recorder := NewRecorder(conn)

	recorder.Record(context.Background(), Entry{
		Endpoint:    "/v1/chat/completions",
		RequestedAt: time.Now().UTC().AddDate(0, 0, -40),
	})
	recorder.Record(context.Background(), Entry{
		Endpoint:    "/v1/chat/completions",
		RequestedAt: time.Now().UTC(),
	})

	cleaner := NewRetentionCleaner(conn, 30)
	cleaner.cleanupOnce(context.Background())

	var count int64
	if errCount := conn.Table("request_logs").Count(&count).Error; errCount != nil {
		t.Fatalf("count rows: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("expected 1 row after cleanup, got %d", count)
	}
}

func TestRetentionCleaner_DisabledKeepsRows(t *testing.T) {
	conn := newTestDB(t)
	recorder := NewRecorder(conn)

	recorder.Record(context.Background(), Entry{
		Endpoint:    "/v1/chat/completions",
		RequestedAt: time.Now().UTC().AddDate(0, 0, -400),
	})

	cleaner := NewRetentionCleaner(conn, 0)
	cleaner.cleanupOnce(context.Background())

	var count int64
	if errCount := conn.Table("request_logs").Count(&count).Error; errCount != nil {
		t.Fatalf("count rows: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("zero retention must keep rows, got %d", count)
	}
}
