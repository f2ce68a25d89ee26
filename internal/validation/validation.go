package validation

import (
	"errors"
	"strings"
	"unicode"
)

// ErrQuestionTooLong is returned when the question exceeds the maximum length.
var ErrQuestionTooLong = errors.New("question too long")

// ErrQuestionInvalidChars is returned when the question contains control characters.
var ErrQuestionInvalidChars = errors.New("question contains invalid characters")

// ValidateQuestion trims the input, enforces maxLen in runes, and rejects control
// characters. An empty result is valid: the widget substitutes its default question.
// Returns the trimmed string or an error suitable for 400 INVALID_QUESTION responses.
func ValidateQuestion(input string, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	if maxLen > 0 && len(r) > maxLen {
		return "", ErrQuestionTooLong
	}
	for _, c := range r {
		if unicode.IsControl(c) || c == unicode.ReplacementChar {
			return "", ErrQuestionInvalidChars
		}
	}
	return s, nil
}
