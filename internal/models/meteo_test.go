package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCombinedReading_Decode(t *testing.T) {
	raw := `[
		{"ts":"2024-05-01T14:30:00Z","temp":18,"sky":"clear","tendencia_max":20,"tendencia_min":10},
		{"ts":"2024-05-01 15:00:00","temp":18.5,"sky":"cloudy","tendencia_max":"sube","tendencia_min":"baja"},
		{"ts":1714575600000,"temp":19,"sky":"rain","tendencia_max":20.5,"tendencia_min":null}
	]`
	var got []CombinedReading
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].TrendMax != "20" || got[0].TrendMin != "10" {
		t.Errorf("numeric trends = %q/%q, want 20/10", got[0].TrendMax, got[0].TrendMin)
	}
	if got[0].TS.Naive {
		t.Error("RFC 3339 timestamp marked naive")
	}
	if !got[1].TS.Naive {
		t.Error("offset-less timestamp not marked naive")
	}
	if got[1].TrendMax != "sube" {
		t.Errorf("TrendMax = %q, want sube", got[1].TrendMax)
	}
	if got[2].TS.UnixMilli() != 1714575600000 {
		t.Errorf("epoch ms = %d, want 1714575600000", got[2].TS.UnixMilli())
	}
	if got[2].TrendMax != "20.5" || got[2].TrendMin != "" {
		t.Errorf("trends = %q/%q, want 20.5/empty", got[2].TrendMax, got[2].TrendMin)
	}
}

func TestTimestamp_Invalid(t *testing.T) {
	for _, raw := range []string{`"yesterday"`, `true`, `{}`} {
		var ts Timestamp
		if err := json.Unmarshal([]byte(raw), &ts); err == nil {
			t.Errorf("Unmarshal(%s) error = nil, want error", raw)
		}
	}
}

func TestTimestamp_In(t *testing.T) {
	madrid := time.FixedZone("CEST", 2*60*60)

	var aware Timestamp
	if err := json.Unmarshal([]byte(`"2024-05-01T14:00:00Z"`), &aware); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if h := aware.In(madrid).Hour(); h != 16 {
		t.Errorf("aware hour = %d, want 16", h)
	}

	var naive Timestamp
	if err := json.Unmarshal([]byte(`"2024-05-01T14:00:00"`), &naive); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if h := naive.In(madrid).Hour(); h != 14 {
		t.Errorf("naive hour = %d, want 14", h)
	}
}
