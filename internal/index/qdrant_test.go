package index

import (
	"errors"
	"testing"
	"time"

	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestQdrantConfigDefaults(t *testing.T) {
	cfg := QdrantConfig{VectorSize: 384}
	cfg.ApplyDefaults()

	if cfg.Host != "localhost" || cfg.Port != 6334 {
		t.Errorf("connection defaults = %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.MaxRetries != 3 || cfg.RetryBackoff != time.Second {
		t.Errorf("retry defaults = %d, %s", cfg.MaxRetries, cfg.RetryBackoff)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate after defaults: %v", err)
	}
}

func TestQdrantConfigValidation(t *testing.T) {
	cases := []QdrantConfig{
		{Port: 6334, VectorSize: 384},
		{Host: "localhost", Port: -1, VectorSize: 384},
		{Host: "localhost", Port: 6334},
	}
	for _, cfg := range cases {
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("Validate(%+v): expected ErrInvalidConfig, got %v", cfg, err)
		}
	}
}

func TestIsTransientError(t *testing.T) {
	transient := []grpccodes.Code{
		grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted,
	}
	for _, code := range transient {
		if !IsTransientError(status.Error(code, "boom")) {
			t.Errorf("code %s should be transient", code)
		}
	}

	permanent := []grpccodes.Code{
		grpccodes.InvalidArgument, grpccodes.NotFound, grpccodes.PermissionDenied, grpccodes.Unauthenticated,
	}
	for _, code := range permanent {
		if IsTransientError(status.Error(code, "boom")) {
			t.Errorf("code %s should be permanent", code)
		}
	}

	if IsTransientError(nil) {
		t.Error("nil error is not transient")
	}
	if IsTransientError(errors.New("plain")) {
		t.Error("non-gRPC error is not transient")
	}
}

func TestIsNotFound(t *testing.T) {
	if !isNotFound(status.Error(grpccodes.NotFound, "collection absent")) {
		t.Error("NotFound status should classify as not found")
	}

	other := []grpccodes.Code{
		grpccodes.OK, grpccodes.Unavailable, grpccodes.InvalidArgument, grpccodes.AlreadyExists,
	}
	for _, code := range other {
		if isNotFound(status.Error(code, "boom")) {
			t.Errorf("code %s should not classify as not found", code)
		}
	}

	if isNotFound(nil) {
		t.Error("nil error is not a not-found")
	}
	if isNotFound(errors.New("plain")) {
		t.Error("non-gRPC error is not a not-found")
	}
}

func TestChunkID(t *testing.T) {
	if got := ChunkID("rec-1", 3); got != "rec-1-chunk-3" {
		t.Errorf("ChunkID = %q", got)
	}
}
