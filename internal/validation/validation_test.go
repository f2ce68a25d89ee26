package validation

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateQuestion_EmptyIsAllowed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"spaces", "   "},
		{"tab and newline", "\t\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ValidateQuestion(tc.input, 100)
			if err != nil {
				t.Fatalf("error = %v, want nil", err)
			}
			if got != "" {
				t.Errorf("got %q, want empty", got)
			}
		})
	}
}

func TestValidateQuestion_TooLong(t *testing.T) {
	_, err := ValidateQuestion(strings.Repeat("a", 101), 100)
	if !errors.Is(err, ErrQuestionTooLong) {
		t.Errorf("error = %v, want ErrQuestionTooLong", err)
	}
}

func TestValidateQuestion_LengthCountsRunes(t *testing.T) {
	// 100 two-byte runes.
	got, err := ValidateQuestion(strings.Repeat("ñ", 100), 100)
	if err != nil {
		t.Fatalf("error = %v, want nil", err)
	}
	if len([]rune(got)) != 100 {
		t.Errorf("rune length = %d, want 100", len([]rune(got)))
	}
}

func TestValidateQuestion_InvalidChars(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"null byte", "va a\x00 llover"},
		{"interior newline", "va a\nllover"},
		{"escape", "\x1b[31mrojo"},
		{"invalid utf8", "llueve \xff"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateQuestion(tc.input, 100)
			if !errors.Is(err, ErrQuestionInvalidChars) {
				t.Errorf("error = %v, want ErrQuestionInvalidChars", err)
			}
		})
	}
}

func TestValidateQuestion_Valid(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"¿Va a llover hoy en mi ubicación?", "¿Va a llover hoy en mi ubicación?"},
		{"  ¿Hará frío mañana?  ", "¿Hará frío mañana?"},
		{"Will it rain at 18:00, 50%?", "Will it rain at 18:00, 50%?"},
	}
	for _, tc := range tests {
		got, err := ValidateQuestion(tc.input, 0)
		if err != nil {
			t.Errorf("ValidateQuestion(%q) error = %v", tc.input, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ValidateQuestion(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}
