package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/conveyorhq/conveyor/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"JobID", id.NewJobID, "job_"},
		{"WorkerID", id.NewWorkerID, "wkr_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestParse(t *testing.T) {
	orig := id.NewJobID()

	parsed, err := id.Parse(orig.String())
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if parsed.String() != orig.String() {
		t.Errorf("round trip mismatch: %q != %q", parsed.String(), orig.String())
	}

	if _, err := id.Parse(""); err == nil {
		t.Error("expected error for empty string")
	}
	if _, err := id.Parse("not a typeid"); err == nil {
		t.Error("expected error for malformed input")
	}
}

func TestParseWithPrefix(t *testing.T) {
	jobID := id.NewJobID()

	if _, err := id.ParseJobID(jobID.String()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := id.ParseWorkerID(jobID.String()); err == nil {
		t.Error("expected prefix mismatch error")
	}
}

func TestNilID(t *testing.T) {
	var zero id.ID

	if !zero.IsNil() {
		t.Error("zero value should be nil")
	}
	if zero.String() != "" {
		t.Errorf("nil ID String() = %q, want empty", zero.String())
	}
	if zero.Prefix() != "" {
		t.Errorf("nil ID Prefix() = %q, want empty", zero.Prefix())
	}
}

func TestJSONRoundTrip(t *testing.T) {
	orig := id.NewWorkerID()

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got id.ID
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.String() != orig.String() {
		t.Errorf("round trip mismatch: %q != %q", got.String(), orig.String())
	}
}

func TestSQLRoundTrip(t *testing.T) {
	orig := id.NewJobID()

	v, err := orig.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}

	var got id.ID
	if err := got.Scan(v); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got.String() != orig.String() {
		t.Errorf("round trip mismatch: %q != %q", got.String(), orig.String())
	}

	var fromNil id.ID
	if err := fromNil.Scan(nil); err != nil {
		t.Fatalf("scan nil: %v", err)
	}
	if !fromNil.IsNil() {
		t.Error("scanning nil should produce the Nil ID")
	}
}
