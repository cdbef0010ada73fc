package chunker

import (
	"strings"
	"testing"
)

func TestSplitEmpty(t *testing.T) {
	c, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, text := range []string{"", "   ", "\n\n\t"} {
		chunks, err := c.Split(text)
		if err != nil {
			t.Fatalf("Split(%q): %v", text, err)
		}
		if len(chunks) != 0 {
			t.Errorf("Split(%q): expected no chunks, got %d", text, len(chunks))
		}
	}
}

func TestSplitShortText(t *testing.T) {
	c, err := New(Config{ChunkSize: 100, ChunkOverlap: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	chunks, err := c.Split("a short note")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != "a short note" {
		t.Errorf("expected single chunk, got %v", chunks)
	}
}

func TestSplitBounds(t *testing.T) {
	c, err := New(Config{ChunkSize: 50, ChunkOverlap: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var sb strings.Builder
	for i := 0; i < 40; i++ {
		sb.WriteString("word word word word word.\n")
	}
	chunks, err := c.Split(sb.String())
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if len(chunk) > 50 {
			t.Errorf("chunk %d exceeds size bound: %d chars", i, len(chunk))
		}
		if strings.TrimSpace(chunk) == "" {
			t.Errorf("chunk %d is blank", i)
		}
	}
}

func TestSplitDeterministic(t *testing.T) {
	c, err := New(Config{ChunkSize: 80, ChunkOverlap: 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 30)

	first, err := c.Split(text)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	second, err := c.Split(text)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("chunk %d differs between runs", i)
		}
	}
}

func TestNewValidation(t *testing.T) {
	cases := []Config{
		{ChunkSize: -1},
		{ChunkSize: 10, ChunkOverlap: 10},
		{ChunkSize: 10, ChunkOverlap: 20},
	}
	for _, cfg := range cases {
		if _, err := New(cfg); err == nil {
			t.Errorf("New(%+v): expected error", cfg)
		}
	}
}
