package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/letta-ai/exec-agent/internal/convo"
	"github.com/letta-ai/exec-agent/internal/permission"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"bogus":   slog.LevelInfo,
	}
	for input, want := range cases {
		if got := parseLevel(input); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestUnimplementedBackendsReturnErrNoBackend(t *testing.T) {
	if _, err := (unimplementedConvo{}).OpenStream(context.Background(), convo.StreamRequest{}); err == nil {
		t.Fatal("expected an error from the unimplemented conversation service")
	}
	if _, err := (unimplementedConvo{}).FetchPendingApprovals(context.Background(), "a", "c"); err == nil {
		t.Fatal("expected an error from the unimplemented conversation service")
	}
	if _, err := (unimplementedExecutor{}).Execute("Read", permission.Args{}); err == nil {
		t.Fatal("expected an error from the unimplemented tool executor")
	}
}
