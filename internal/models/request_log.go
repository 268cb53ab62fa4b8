package models

import (
	"time"

	"gorm.io/datatypes"
)

// RequestLog records the outcome of a single proxied request.
type RequestLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	RequestID string `gorm:"type:text;not null;index"` // Gateway-assigned request id.

	Username     string `gorm:"type:text;index"` // Account the request billed to.
	APIKeySuffix string `gorm:"type:text"`       // Last four characters of the API key.
	ClientIP     string `gorm:"type:text;index"` // Resolved client address.

	Endpoint string `gorm:"type:text;not null;index"` // Gateway endpoint path.
	Model    string `gorm:"type:text;index"`          // Requested model id.
	Provider string `gorm:"type:text;index"`          // Provider that served the request.

	StatusCode  int            `gorm:"not null;default:0"`     // Response status returned to the client.
	Failed      bool           `gorm:"not null;default:false"` // Whether every provider failed.
	ErrorDetail datatypes.JSON `gorm:"type:jsonb"`             // Structured error detail for failures.

	Streamed       bool    `gorm:"not null;default:false"` // SSE passthrough flag.
	RawTokens      int64   `gorm:"not null;default:0"`     // Tokens reported or estimated upstream.
	AdjustedTokens int64   `gorm:"not null;default:0"`     // Billed tokens after the multiplier.
	Multiplier     float64 `gorm:"not null;default:1"`     // Provider token multiplier applied.
	DurationMs     int64   `gorm:"not null;default:0"`     // End-to-end handling time.

	RequestedAt time.Time `gorm:"not null;index"`          // Request timestamp.
	CreatedAt   time.Time `gorm:"not null;autoCreateTime"` // Row creation timestamp.
}

// TableName pins the table name for the request log.
func (RequestLog) TableName() string { return "request_logs" }
