package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		hexLength  int
		wantLength int
	}{
		{name: "message sid", prefix: "SM", hexLength: 32, wantLength: 34},
		{name: "custom prefix", prefix: "test_", hexLength: 16, wantLength: 21},
		{name: "empty hex", prefix: "x", hexLength: 0, wantLength: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateRandomID(tt.prefix, tt.hexLength)
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("GenerateRandomID() = %v, want prefix %v", got, tt.prefix)
			}
			if len(got) != tt.wantLength {
				t.Errorf("GenerateRandomID() length = %v, want %v", len(got), tt.wantLength)
			}
			if !isValidHex(got[len(tt.prefix):]) {
				t.Errorf("GenerateRandomID() hex part of %v is not valid hex", got)
			}
		})
	}
}

func TestGenerateRandomHex(t *testing.T) {
	for _, n := range []int{-1, 0, 1, 8, 64} {
		got := GenerateRandomHex(n)
		want := max(n, 0)
		if len(got) != want {
			t.Errorf("GenerateRandomHex(%d) length = %d, want %d", n, len(got), want)
		}
		if !isValidHex(got) {
			t.Errorf("GenerateRandomHex(%d) = %q is not hex", n, got)
		}
	}
}

func TestGenerateMessageSid(t *testing.T) {
	sid := GenerateMessageSid()
	if !strings.HasPrefix(sid, "SM") || len(sid) != 34 {
		t.Fatalf("GenerateMessageSid() = %q", sid)
	}
}

func TestRandomIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		id := GenerateMessageSid()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func isValidHex(s string) bool {
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}
	return true
}
