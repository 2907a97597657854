package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestSetupRenamesCoreKeys(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger := Setup("keeperd", "test", Options{Writer: &buf, Level: "debug"})
	logger.Debug("harvest scheduled", "component", "keeper")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	for key, want := range map[string]string{
		"message":   "harvest scheduled",
		"severity":  "DEBUG",
		"service":   "keeperd",
		"env":       "test",
		"component": "keeper",
	} {
		if got, _ := line[key].(string); got != want {
			t.Fatalf("%s = %q, want %q", key, got, want)
		}
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("timestamp missing: %v", line)
	}
}

func TestSetupFiltersBelowLevel(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger := Setup("keeperd", "", Options{Writer: &buf, Level: "warn"})
	logger.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info line leaked at warn level: %s", buf.String())
	}
}

func TestMaskField(t *testing.T) {
	if got := MaskField("jwt_secret", "hunter2").Value.String(); got != RedactedValue {
		t.Fatalf("secret not masked: %s", got)
	}
	if got := MaskField("listen", ":8080").Value.String(); got != ":8080" {
		t.Fatalf("plain field masked: %s", got)
	}
	if got := MaskField("passphrase", "").Value.String(); got != "" {
		t.Fatalf("empty value should pass through: %q", got)
	}
}
