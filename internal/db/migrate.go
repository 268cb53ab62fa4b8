package db

import (
	"fmt"

	"github.com/exoml/relay/internal/models"
	"gorm.io/gorm"
)

// Migrate applies schema migrations for the request log store.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errMigrate := conn.AutoMigrate(&models.RequestLog{}); errMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errMigrate)
	}
	return nil
}
