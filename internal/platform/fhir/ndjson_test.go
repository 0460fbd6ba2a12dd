package fhir

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

type stubResource struct {
	id string
}

func (s stubResource) GetResourceType() string { return "Patient" }
func (s stubResource) GetFHIRID() string       { return s.id }
func (s stubResource) ToFHIR() map[string]interface{} {
	return map[string]interface{}{"resourceType": "Patient", "id": s.id, "active": true}
}

func TestNDJSONWriter_Resources(t *testing.T) {
	var buf bytes.Buffer
	w := NewNDJSONWriter(&buf)

	for _, id := range []string{"p1", "p2", "p3"} {
		if err := w.WriteResource(stubResource{id: id}); err != nil {
			t.Fatalf("WriteResource failed: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if w.Lines() != 3 {
		t.Errorf("expected 3 lines counted, got %d", w.Lines())
	}

	lines := scanNDJSON(t, buf.Bytes())
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	for i, expected := range []string{"p1", "p2", "p3"} {
		if lines[i]["id"] != expected {
			t.Errorf("line %d: expected id %q, got %v", i, expected, lines[i]["id"])
		}
		if lines[i]["active"] != true {
			t.Errorf("line %d: expected active true", i)
		}
	}
}

func TestNDJSONWriter_EmptyFlush(t *testing.T) {
	var buf bytes.Buffer
	w := NewNDJSONWriter(&buf)
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("expected empty output, got %d bytes", buf.Len())
	}
}

func TestNDJSONWriter_MarshalError(t *testing.T) {
	var buf bytes.Buffer
	w := NewNDJSONWriter(&buf)

	// Channels cannot be marshalled to JSON
	if err := w.WriteObject(map[string]interface{}{"badField": make(chan int)}); err == nil {
		t.Error("expected error for un-marshallable object")
	}
	if w.Lines() != 0 {
		t.Errorf("expected failed line not counted, got %d", w.Lines())
	}
}

func scanNDJSON(t *testing.T, data []byte) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal(line, &m); err != nil {
			t.Fatalf("invalid JSON line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

// ---------------------------------------------------------------------------
// ids
// ---------------------------------------------------------------------------

func TestResourceUUID_Stable(t *testing.T) {
	a := ResourceUUID("Observation", "adastra-C1-E1-H33..")
	b := ResourceUUID("Observation", "adastra-C1-E1-H33..")
	if a != b {
		t.Errorf("expected stable UUID, got %s and %s", a, b)
	}
	if a == ResourceUUID("Condition", "adastra-C1-E1-H33..") {
		t.Error("expected resource type to change the UUID")
	}
	if a.Version() != 5 {
		t.Errorf("expected name-based v5 UUID, got v%d", a.Version())
	}
}

func TestSourceID(t *testing.T) {
	tests := []struct {
		source string
		parts  []string
		want   string
	}{
		{"adastra", []string{"C1"}, "adastra-C1"},
		{"adastra", []string{"C1", "E1", "H33.."}, "adastra-C1-E1-H33.."},
	}
	for _, tt := range tests {
		if got := SourceID(tt.source, tt.parts...); got != tt.want {
			t.Errorf("SourceID(%s, %v) = %q, want %q", tt.source, tt.parts, got, tt.want)
		}
	}
}

func TestSourceID_HashedForm(t *testing.T) {
	guid := "3F2504E0-4F89-11D3-9A0C-0305E82C3301"
	tests := []struct {
		name  string
		parts []string
	}{
		{"separator in part", []string{"A-B", "C"}},
		{"illegal characters", []string{"12 34/5"}},
		{"colon", []string{"A:B"}},
		{"guid refs", []string{guid, guid}},
		{"too long", []string{strings.Repeat("x", 60)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SourceID("adastra", tt.parts...)
			if !strings.HasPrefix(got, "adastra.") || len(got) != len("adastra.")+32 {
				t.Errorf("SourceID(%v) = %q, want adastra.<32 hex>", tt.parts, got)
			}
			if again := SourceID("adastra", tt.parts...); again != got {
				t.Errorf("expected stable id, got %q then %q", got, again)
			}
		})
	}
}

func TestSourceID_DistinctKeysDistinctIDs(t *testing.T) {
	pairs := [][2][]string{
		{{"A-B", "C"}, {"A", "B-C"}},
		{{"A:B"}, {"A.B"}},
		{{"12 34"}, {"12.34"}},
		{{"AB", "C"}, {"A", "BC"}},
		{{"A", ""}, {"A"}},
	}
	for _, p := range pairs {
		a, b := SourceID("adastra", p[0]...), SourceID("adastra", p[1]...)
		if a == b {
			t.Errorf("SourceID(%v) and SourceID(%v) both = %q", p[0], p[1], a)
		}
	}
	if got := SourceID("adastra", strings.Repeat("x", 55)); len(got) > 64 {
		t.Errorf("expected id within 64 chars, got %d", len(got))
	}
}

func TestParseReference(t *testing.T) {
	typ, id, ok := ParseReference("Patient/adastra-P1")
	if !ok || typ != "Patient" || id != "adastra-P1" {
		t.Errorf("unexpected parse %q %q %v", typ, id, ok)
	}
	for _, bad := range []string{"", "Patient", "/x", "Patient/"} {
		if _, _, ok := ParseReference(bad); ok {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}
