package util_test

import (
	"testing"

	"github.com/downfa11-org/segclean/util"
)

func TestParseInt(t *testing.T) {
	tests := []struct {
		input    string
		fallback int
		want     int
	}{
		{"123", 0, 123},
		{"0", 99, 0},
		{"-5", 0, -5},
		{"abc", 42, 42},
		{"", 7, 7},
		{"   ", 8, 8},
	}

	for _, tt := range tests {
		got := util.ParseInt(tt.input, tt.fallback)
		if got != tt.want {
			t.Errorf("ParseInt(%q, %d) = %d; want %d", tt.input, tt.fallback, got, tt.want)
		}
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		input    string
		fallback bool
		want     bool
	}{
		{"true", false, true},
		{"false", true, false},
		{"1", false, true},
		{"0", true, false},
		{"t", false, true},
		{"f", true, false},
		{"yes", false, false},
		{"", true, true},
		{"   ", false, false},
	}

	for _, tt := range tests {
		got := util.ParseBool(tt.input, tt.fallback)
		if got != tt.want {
			t.Errorf("ParseBool(%q, %v) = %v; want %v", tt.input, tt.fallback, got, tt.want)
		}
	}
}

func TestParseUint32(t *testing.T) {
	tests := []struct {
		input    string
		fallback uint32
		want     uint32
	}{
		{"4096", 0, 4096},
		{"-1", 7, 7},
		{"4294967296", 9, 9},
		{"x", 3, 3},
	}

	for _, tt := range tests {
		got := util.ParseUint32(tt.input, tt.fallback)
		if got != tt.want {
			t.Errorf("ParseUint32(%q, %d) = %d; want %d", tt.input, tt.fallback, got, tt.want)
		}
	}
}

func TestParseInt64AndFloat64(t *testing.T) {
	if got := util.ParseInt64("9000000000", 1); got != 9000000000 {
		t.Errorf("ParseInt64 = %d", got)
	}
	if got := util.ParseInt64("x", -3); got != -3 {
		t.Errorf("ParseInt64 fallback = %d", got)
	}
	if got := util.ParseFloat64("0.25", 1); got != 0.25 {
		t.Errorf("ParseFloat64 = %v", got)
	}
	if got := util.ParseFloat64("", 0.5); got != 0.5 {
		t.Errorf("ParseFloat64 fallback = %v", got)
	}
}
