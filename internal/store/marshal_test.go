package store

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/roach88/durable/internal/ir"
)

func errorsAs(err error, target any) bool {
	return errors.As(err, target)
}

func TestFormatParseTime_RoundTrip(t *testing.T) {
	in := time.Date(2026, 3, 4, 5, 6, 7, 123456789, time.FixedZone("X", 3600))
	out, err := parseTime(formatTime(in))
	if err != nil {
		t.Fatalf("parseTime() failed: %v", err)
	}
	if !out.Equal(in) {
		t.Errorf("round trip = %v, want %v", out, in)
	}
}

func TestFormatTime_SortsLexically(t *testing.T) {
	a := formatTime(time.Date(2026, 1, 1, 0, 0, 0, 5, time.UTC))
	b := formatTime(time.Date(2026, 1, 1, 0, 0, 0, 40, time.UTC))
	if !(a < b) {
		t.Errorf("%q should sort before %q", a, b)
	}
}

func TestParseTime_Invalid(t *testing.T) {
	if _, err := parseTime("yesterday"); err == nil {
		t.Error("parseTime() should fail on garbage")
	}
}

func TestNullJSON(t *testing.T) {
	if ns := nullJSON(nil); ns.Valid {
		t.Error("nullJSON(nil) should be NULL")
	}
	if ns := nullJSON([]byte(`{}`)); !ns.Valid || ns.String != "{}" {
		t.Errorf("nullJSON({}) = %+v", ns)
	}
	if raw := rawJSON(sql.NullString{}); raw != nil {
		t.Errorf("rawJSON(NULL) = %q, want nil", raw)
	}
}

func TestMarshalError_RoundTrip(t *testing.T) {
	ns, err := marshalError(nil)
	if err != nil || ns.Valid {
		t.Fatalf("marshalError(nil) = %+v, %v", ns, err)
	}

	in := &ir.EntryError{Message: "boom", Type: "step"}
	ns, err = marshalError(in)
	if err != nil {
		t.Fatalf("marshalError() failed: %v", err)
	}
	out, err := unmarshalError(ns)
	if err != nil {
		t.Fatalf("unmarshalError() failed: %v", err)
	}
	if *out != *in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestUnmarshalError_Invalid(t *testing.T) {
	if _, err := unmarshalError(sql.NullString{String: "{", Valid: true}); err == nil {
		t.Error("unmarshalError() should fail on invalid JSON")
	}
}
