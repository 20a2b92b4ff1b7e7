package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestAuditWriterRotatesIntoConfiguredFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.log")
	writer, err := newAuditWriter(AuditConfig{Path: path})
	if err != nil {
		t.Fatalf("new audit writer: %v", err)
	}
	t.Cleanup(func() { _ = writer.Close() })

	if writer.MaxSize != 100 || writer.MaxBackups != 7 || writer.MaxAge != 30 {
		t.Fatalf("unexpected rotation defaults %+v", writer)
	}

	audit := slog.New(slog.NewJSONHandler(writer, nil))
	audit.Info("safe transaction confirmed", slog.String("safe_tx_hash", "0x01"))

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(content), &record); err != nil {
		t.Fatalf("decode audit record: %v", err)
	}
	if record["msg"] != "safe transaction confirmed" || record["safe_tx_hash"] != "0x01" {
		t.Fatalf("unexpected audit record %v", record)
	}
}

func TestAuditWriterRequiresPath(t *testing.T) {
	if _, err := newAuditWriter(AuditConfig{Enabled: true}); err == nil {
		t.Fatal("expected error for empty audit path")
	}
}

func TestHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	slog.New(newHandler("text", &buf, nil)).Info("hello", slog.String("component", "gas"))
	if !bytes.Contains(buf.Bytes(), []byte("component=gas")) {
		t.Fatalf("expected text output, got %q", buf.String())
	}

	buf.Reset()
	slog.New(newHandler("json", &buf, nil)).Info("hello")
	if !json.Valid(bytes.TrimSpace(buf.Bytes())) {
		t.Fatalf("expected json output, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
