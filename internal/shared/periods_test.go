package shared

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParsePeriod(t *testing.T) {
	p, err := ParsePeriod("2025-03")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p != NewPeriod(2025, 3) {
		t.Fatalf("unexpected period %+v", p)
	}

	for _, raw := range []string{"", "2025-3", "2025-13", "2025-00", "1999-12", "25-03", "2025/03", "abcd-ef"} {
		if _, err := ParsePeriod(raw); !errors.Is(err, ErrMalformedPeriod) {
			t.Fatalf("expected malformed for %q, got %v", raw, err)
		}
	}
}

func TestPeriodNavigation(t *testing.T) {
	jan := NewPeriod(2025, 1)
	if jan.Prev() != NewPeriod(2024, 12) {
		t.Fatalf("unexpected prev %s", jan.Prev())
	}
	dec := NewPeriod(2024, 12)
	if dec.Next() != jan {
		t.Fatalf("unexpected next %s", dec.Next())
	}
	if !dec.Before(jan) || jan.Before(dec) || jan.Before(jan) {
		t.Fatalf("before ordering wrong")
	}
	feb := NewPeriod(2024, 2)
	if got := feb.LastDay(); !got.Equal(time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected last day %s", got)
	}
	if got := feb.FirstDay(); got.Day() != 1 || got.Month() != time.February {
		t.Fatalf("unexpected first day %s", got)
	}
}

func TestPeriodJSONEncoding(t *testing.T) {
	payload := struct {
		Period Period `json:"period"`
	}{Period: NewPeriod(2025, 7)}

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(body) != `{"period":"2025-07"}` {
		t.Fatalf("unexpected json %s", body)
	}

	var decoded struct {
		Period Period `json:"period"`
	}
	if err := json.Unmarshal([]byte(`{"period":"2024-11"}`), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Period != NewPeriod(2024, 11) {
		t.Fatalf("unexpected decoded period %+v", decoded.Period)
	}
	if err := json.Unmarshal([]byte(`{"period":"2024-13"}`), &decoded); err == nil {
		t.Fatalf("expected malformed period error")
	}
}

func TestValidatePeriodTransition(t *testing.T) {
	cases := []struct {
		current, target string
		override        bool
		ok              bool
	}{
		{PeriodStatusOpen, PeriodStatusClosed, false, true},
		{PeriodStatusClosed, PeriodStatusClosed, false, false},
		{PeriodStatusClosed, PeriodStatusClosed, true, true},
		{PeriodStatusClosed, PeriodStatusOpen, false, false},
		{PeriodStatusClosed, PeriodStatusOpen, true, true},
		{"LOCKED", PeriodStatusClosed, true, false},
	}
	for _, tc := range cases {
		err := ValidatePeriodTransition(tc.current, tc.target, tc.override)
		if tc.ok && err != nil {
			t.Fatalf("%s->%s override=%v: unexpected error %v", tc.current, tc.target, tc.override, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidPeriodTransition) {
			t.Fatalf("%s->%s override=%v: expected transition error, got %v", tc.current, tc.target, tc.override, err)
		}
	}
}

func TestTenantLockKeyIsStablePerTenant(t *testing.T) {
	if TenantLockKey("acme") != TenantLockKey("acme") {
		t.Fatalf("lock key not deterministic")
	}
	if TenantLockKey("acme") == TenantLockKey("globex") {
		t.Fatalf("distinct tenants share a lock key")
	}
}
