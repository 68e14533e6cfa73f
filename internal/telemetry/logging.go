package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/meridianlabs/quotagate/internal/shared"
)

// LogFileName is the JSON-lines log under <home>/logs.
const LogFileName = "quotagate.jsonl"

// NewLogger builds the process logger: JSON lines appended to the log file
// under homeDir, mirrored to stdout unless quiet. Attribute values pass
// through the shared redaction rules before they hit either sink, and
// secret-named keys are blanked regardless of value.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var sink io.Writer = file
	if !quiet {
		sink = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(sink, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: scrubAttr,
	})
	return slog.New(handler).With("service", "quotagate"), file, nil
}

func scrubAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shared.SecretKey(a.Key) {
		return slog.String(a.Key, shared.Redacted)
	}
	if a.Value.Kind() == slog.KindString {
		if v := a.Value.String(); shared.Redact(v) != v {
			return slog.String(a.Key, shared.Redact(v))
		}
	}
	return a
}

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

func parseLevel(level string) slog.Level {
	if lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(level))]; ok {
		return lvl
	}
	return slog.LevelInfo
}
