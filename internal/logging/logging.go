package logging

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls log output destination, level and rotation.
type Options struct {
	Level      string `yaml:"level"`       // Log level name (debug, info, warn, error).
	File       string `yaml:"file"`        // Optional log file path; empty logs to stderr only.
	MaxSizeMB  int    `yaml:"max-size"`    // Rotate after this many megabytes.
	MaxBackups int    `yaml:"max-backups"` // Rotated files to keep.
	MaxAgeDays int    `yaml:"max-age"`     // Days to retain rotated files.
}

// Setup configures the global logrus logger from the given options.
func Setup(opts Options) {
	level, errParse := log.ParseLevel(strings.TrimSpace(opts.Level))
	if errParse != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	if strings.TrimSpace(opts.File) == "" {
		log.SetOutput(os.Stderr)
		return
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    valueOr(opts.MaxSizeMB, 100),
		MaxBackups: valueOr(opts.MaxBackups, 3),
		MaxAge:     valueOr(opts.MaxAgeDays, 28),
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotator))
}

func valueOr(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}
