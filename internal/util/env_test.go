package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		def      bool
		expected bool
	}{
		{"unset uses default true", "", true, true},
		{"unset uses default false", "", false, false},
		{"true", "true", false, true},
		{"on", "on", false, true},
		{"ONE", "1", false, true},
		{"false", "false", true, false},
		{"off", "off", true, false},
		{"invalid uses default", "maybe", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				t.Setenv("TEST_BOOL_ENV", tt.value)
			}
			if got := ParseBoolEnv("TEST_BOOL_ENV", tt.def); got != tt.expected {
				t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.expected)
			}
		})
	}
}

func TestParseSecondsEnv(t *testing.T) {
	t.Setenv("TEST_SECONDS_ENV", "2.5")
	if got := ParseSecondsEnv("TEST_SECONDS_ENV", time.Second); got != 2500*time.Millisecond {
		t.Errorf("ParseSecondsEnv() = %v, want 2.5s", got)
	}

	t.Setenv("TEST_SECONDS_ENV", "nope")
	if got := ParseSecondsEnv("TEST_SECONDS_ENV", 10*time.Second); got != 10*time.Second {
		t.Errorf("ParseSecondsEnv() invalid = %v, want default 10s", got)
	}

	t.Setenv("TEST_SECONDS_ENV", "-3")
	if got := ParseSecondsEnv("TEST_SECONDS_ENV", 10*time.Second); got != 10*time.Second {
		t.Errorf("ParseSecondsEnv() negative = %v, want default 10s", got)
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("TEST_INT_ENV", "42")
	if got := ParseIntEnv("TEST_INT_ENV", 7); got != 42 {
		t.Errorf("ParseIntEnv() = %d, want 42", got)
	}
	t.Setenv("TEST_INT_ENV", "x")
	if got := ParseIntEnv("TEST_INT_ENV", 7); got != 7 {
		t.Errorf("ParseIntEnv() invalid = %d, want default 7", got)
	}
}
