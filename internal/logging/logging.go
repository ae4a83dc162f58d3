// Package logging wires the standard logger to a rotating service log file.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/markxbrooks/schedarray/internal/config"
)

// Setup routes the default logger to stderr plus a rotating log file and
// returns a closer for the file. Pass an empty file name to keep stderr-only
// logging.
func Setup(dir string, cfg config.LoggingConfig) (io.Closer, error) {
	if cfg.File == "" {
		return nil, nil
	}

	path := cfg.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	logFile := &lumberjack.Logger{
		Filename: path,
		MaxSize:  cfg.MaxSizeMB,
		MaxAge:   cfg.MaxAge,
		Compress: cfg.Compress,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, logFile))
	return logFile, nil
}
