package logging

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestNewLoggerDefaults(t *testing.T) {
	logger, err := NewLogger(nil)
	if err != nil {
		t.Fatalf("NewLogger(nil): %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger")
	}
	logger.Info("hello")
}

func TestNewLoggerValidation(t *testing.T) {
	cases := []Config{
		{Level: "nope", Format: "json"},
		{Level: "info", Format: "xml"},
	}
	for _, cfg := range cases {
		if _, err := NewLogger(&cfg); err == nil {
			t.Errorf("NewLogger(%+v): expected error", cfg)
		}
	}
}

func TestNewLoggerConstantFields(t *testing.T) {
	logger, err := NewLogger(&Config{
		Level:  "debug",
		Format: "console",
		Fields: map[string]string{"service": "retrieverd"},
	})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Debug("with fields", zap.String("k", "v"))
}

func TestContextFields(t *testing.T) {
	ctx := context.Background()
	if got := ContextFields(ctx); len(got) != 0 {
		t.Errorf("empty context: expected no fields, got %d", len(got))
	}

	ctx = WithScope(ctx, Scope{TenantID: "acme", ProjectID: "billing"})
	ctx = WithRequestID(ctx, "req-123")

	fields := ContextFields(ctx)
	if len(fields) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(fields))
	}

	scope, ok := ScopeFromContext(ctx)
	if !ok || scope.TenantID != "acme" || scope.ProjectID != "billing" {
		t.Errorf("scope round-trip failed: %+v ok=%v", scope, ok)
	}
	if got := RequestIDFromContext(ctx); got != "req-123" {
		t.Errorf("request id round-trip failed: %q", got)
	}
}

func TestWithRequestIDEmpty(t *testing.T) {
	ctx := WithRequestID(context.Background(), "")
	if got := RequestIDFromContext(ctx); got != "" {
		t.Errorf("expected empty request id, got %q", got)
	}
}
