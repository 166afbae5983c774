package id

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestGenerateUnique(t *testing.T) {
	g := NewGenerator()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		s := g.GenerateString()
		if seen[s] {
			t.Fatalf("duplicate ULID generated: %s", s)
		}
		seen[s] = true
	}
}

func TestPrefixes(t *testing.T) {
	tests := []struct {
		id     string
		prefix string
	}{
		{NewRequestID().String(), "req_"},
		{NewForwardTag().String(), "fwd_"},
		{NewConnID().String(), "conn_"},
	}

	for _, tt := range tests {
		if !strings.HasPrefix(tt.id, tt.prefix) {
			t.Errorf("expected prefix %s, got %s", tt.prefix, tt.id)
		}
		raw := strings.TrimPrefix(tt.id, tt.prefix)
		if !IsValid(raw) {
			t.Errorf("suffix of %s is not a valid ULID", tt.id)
		}
	}
}

func TestBlobIDIsRandomUUID(t *testing.T) {
	a := NewBlobID().String()
	b := NewBlobID().String()
	if a == b {
		t.Fatalf("duplicate blob reference: %s", a)
	}
	for _, s := range []string{a, b} {
		if !strings.HasPrefix(s, "blob_") {
			t.Errorf("expected prefix blob_, got %s", s)
		}
		if _, err := uuid.Parse(strings.TrimPrefix(s, "blob_")); err != nil {
			t.Errorf("suffix of %s is not a valid UUID: %v", s, err)
		}
	}
}

func TestTimestamp(t *testing.T) {
	s := Default().GenerateString()
	ts, err := Timestamp(s)
	if err != nil {
		t.Fatalf("Timestamp failed: %v", err)
	}
	if ts.IsZero() {
		t.Error("timestamp should not be zero")
	}
}
