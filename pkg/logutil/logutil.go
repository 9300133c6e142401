// Package logutil configures the process-wide logger.
package logutil

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/charmbracelet/log"
)

func Configure(levelRaw string) error {
	levelRaw = strings.TrimSpace(levelRaw)
	if levelRaw == "" {
		levelRaw = "info"
	}
	level, err := log.ParseLevel(levelRaw)
	if err != nil {
		return fmt.Errorf("invalid loglevel %q", levelRaw)
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	log.SetReportTimestamp(true)
	return nil
}

// SetOutput redirects log output, used by tests to capture or silence logs.
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}
