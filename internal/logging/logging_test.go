package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestTagGate(t *testing.T) {
	if VerboseEnabled("gate-a") {
		t.Fatalf("tag enabled before Enable")
	}
	Enable("gate-a")
	if !VerboseEnabled("gate-a") {
		t.Fatalf("tag not enabled")
	}
	EnableMany("gate-b, gate-c")
	if !VerboseEnabled("gate-b") || !VerboseEnabled("gate-c") {
		t.Fatalf("EnableMany missed a tag")
	}
	if VerboseEnabled("") || VerboseEnabled("gate-z") {
		t.Fatalf("unknown tag reported enabled")
	}
}

func TestVInfoOnlyLogsEnabledTags(t *testing.T) {
	var buf bytes.Buffer
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(old)

	VInfo("gate-vinfo", "hidden", slog.String("reader", "r1"))
	if buf.Len() != 0 {
		t.Fatalf("logged while tag disabled: %s", buf.String())
	}

	Enable("gate-vinfo")
	VInfo("gate-vinfo", "visible", slog.String("reader", "r1"))
	out := buf.String()
	if !strings.Contains(out, "visible") || !strings.Contains(out, "reader=r1") {
		t.Fatalf("output = %q", out)
	}
}
