package usage

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/exoml/relay/internal/models"
	"github.com/exoml/relay/internal/util"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Entry describes one proxied request to be persisted in the audit log.
type Entry struct {
	RequestID      string
	APIKey         string
	Username       string
	ClientIP       string
	Endpoint       string
	Model          string
	Provider       string
	StatusCode     int
	Failed         bool
	ErrorBody      []byte
	Streamed       bool
	RawTokens      int64
	AdjustedTokens int64
	Multiplier     float64
	Duration       time.Duration
	RequestedAt    time.Time
}

// Recorder persists request audit rows through GORM.
type Recorder struct {
	db *gorm.DB
}

// NewRecorder constructs a Recorder; a nil db yields a no-op recorder.
func NewRecorder(db *gorm.DB) *Recorder { return &Recorder{db: db} }

// Record persists one entry. Failures are logged and swallowed so the audit
// trail never affects request handling. The caller's context contributes its
// values only; cancellation is detached so a client disconnect cannot drop the
// audit row.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if r == nil || r.db == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	dbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	requestID := strings.TrimSpace(entry.RequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	requestedAt := entry.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = time.Now().UTC()
	}
	multiplier := entry.Multiplier
	if multiplier <= 0 {
		multiplier = 1.0
	}

	row := models.RequestLog{
		RequestID:      requestID,
		Username:       strings.TrimSpace(entry.Username),
		APIKeySuffix:   util.KeySuffix(entry.APIKey),
		ClientIP:       strings.TrimSpace(entry.ClientIP),
		Endpoint:       strings.TrimSpace(entry.Endpoint),
		Model:          strings.TrimSpace(entry.Model),
		Provider:       strings.TrimSpace(entry.Provider),
		StatusCode:     entry.StatusCode,
		Failed:         entry.Failed,
		ErrorDetail:    buildErrorDetail(entry),
		Streamed:       entry.Streamed,
		RawTokens:      entry.RawTokens,
		AdjustedTokens: entry.AdjustedTokens,
		Multiplier:     multiplier,
		DurationMs:     entry.Duration.Milliseconds(),
		RequestedAt:    requestedAt.UTC(),
		CreatedAt:      time.Now().UTC(),
	}

	if errCreate := r.db.WithContext(dbCtx).Create(&row).Error; errCreate != nil {
		log.WithError(errCreate).Warn("usage: failed to persist request log")
	}
}

// buildErrorDetail shapes the upstream error body into a JSON column value.
// The raw body is kept verbatim when it parses as JSON, otherwise wrapped as
// a message string.
func buildErrorDetail(entry Entry) datatypes.JSON {
	if !entry.Failed {
		return nil
	}
	detail := map[string]any{"status_code": entry.StatusCode}
	body := strings.TrimSpace(string(entry.ErrorBody))
	if body != "" {
		var parsed any
		if errUnmarshal := json.Unmarshal([]byte(body), &parsed); errUnmarshal == nil {
			detail["error"] = parsed
		} else {
			detail["message"] = body
		}
	}
	raw, errMarshal := json.Marshal(detail)
	if errMarshal != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
