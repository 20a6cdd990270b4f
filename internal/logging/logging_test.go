package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetup_JSONOutput(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	var buf bytes.Buffer
	setup(&buf, "debug", "production")

	log.Debug().Str("record_id", "r1").Msg("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON line, got %q: %v", buf.String(), err)
	}
	if entry["record_id"] != "r1" || entry["level"] != "debug" || entry["message"] != "hello" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestSetup_LevelFilters(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	var buf bytes.Buffer
	setup(&buf, "warn", "production")

	log.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
	log.Error().Msg("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("expected error line, got %q", buf.String())
	}
}

func TestSetup_UnknownLevelFallsBack(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	var buf bytes.Buffer
	setup(&buf, "verbose", "development")

	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info level, got %s", zerolog.GlobalLevel())
	}
	if !strings.Contains(buf.String(), "Unknown log level") {
		t.Fatalf("expected a warning in console output, got %q", buf.String())
	}
}
