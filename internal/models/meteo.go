package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CombinedReading is one record of GET /meteo/combined.
type CombinedReading struct {
	TS       Timestamp `json:"ts"`
	Temp     float64   `json:"temp"`
	Sky      string    `json:"sky"`
	TrendMax Trend     `json:"tendencia_max"`
	TrendMin Trend     `json:"tendencia_min"`
}

// RainForecast is the body of GET /meteo/ai_rain.
type RainForecast struct {
	Probability float64 `json:"prob_lluvia"`
}

// AskRequest is the body sent to POST /chatgpt.
type AskRequest struct {
	Question string `json:"question"`
}

// AIReply is the body returned by POST /chatgpt.
type AIReply struct {
	Reply string `json:"reply"`
}

// naiveLayouts are accepted when the backend omits the UTC offset.
var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

// Timestamp decodes the ts field. The backend may send RFC 3339, a local
// date-time without offset, or epoch milliseconds.
type Timestamp struct {
	time.Time
	// Naive is set when the source carried no offset; the wall clock is then
	// meant in the viewer's zone, not UTC.
	Naive bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return t.parseString(strings.TrimSpace(s))
	}
	ms, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("timestamp: unsupported value %s", data)
	}
	*t = Timestamp{Time: time.UnixMilli(int64(ms)).UTC()}
	return nil
}

func (t *Timestamp) parseString(s string) error {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		*t = Timestamp{Time: ts}
		return nil
	}
	for _, layout := range naiveLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			*t = Timestamp{Time: ts, Naive: true}
			return nil
		}
	}
	return fmt.Errorf("timestamp: cannot parse %q", s)
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339))
}

// In returns the instant in loc. Naive timestamps keep their wall clock.
func (t Timestamp) In(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	if t.Naive {
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
	}
	return t.Time.In(loc)
}

// Trend is a trend label that the backend sends either as text or as a number.
type Trend string

// UnmarshalJSON implements json.Unmarshaler.
func (tr *Trend) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*tr = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*tr = Trend(s)
	default:
		f, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("trend: unsupported value %s", data)
		}
		*tr = Trend(strconv.FormatFloat(f, 'f', -1, 64))
	}
	return nil
}

// String returns the label text.
func (tr Trend) String() string {
	return string(tr)
}
