package schema

import (
	"strings"
	"testing"

	"github.com/aristath/loom/internal/task"
)

func decode(t *testing.T, doc string) any {
	t.Helper()
	raw, err := task.DecodeRaw([]byte(doc))
	if err != nil {
		t.Fatalf("DecodeRaw failed: %v", err)
	}
	return raw
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		field  string
		reason string
	}{
		{
			name:   "missing id",
			doc:    "- description: no id here at all, sadly\n  status: pending\n",
			field:  "id",
			reason: "missing id",
		},
		{
			name:   "non-string id",
			doc:    "- id: 42\n  status: pending\n",
			field:  "id",
			reason: "must be a string",
		},
		{
			name:   "empty id",
			doc:    "- id: \"\"\n  status: pending\n",
			field:  "id",
			reason: "id is empty",
		},
		{
			name:   "whitespace in id",
			doc:    "- id: \"task one\"\n  status: pending\n",
			field:  "id",
			reason: "contains whitespace",
		},
		{
			name:   "neither status nor passes",
			doc:    "- id: a\n",
			field:  "status",
			reason: "neither a status nor a passes",
		},
		{
			name:   "unknown status",
			doc:    "- id: a\n  status: exploded\n",
			field:  "status",
			reason: "unknown status",
		},
		{
			name:   "non-boolean passes",
			doc:    "- id: a\n  passes: yes please\n",
			field:  "passes",
			reason: "must be a boolean",
		},
		{
			name:   "dependencies not a sequence",
			doc:    "- id: a\n  status: pending\n  dependencies: b\n",
			field:  "dependencies",
			reason: "must be a sequence",
		},
		{
			name:   "non-string dependency",
			doc:    "- id: a\n  status: pending\n  dependencies: [1]\n",
			field:  "dependencies",
			reason: "must be a string",
		},
		{
			name:   "non-numeric priority",
			doc:    "- id: a\n  status: pending\n  priority: high\n",
			field:  "priority",
			reason: "must be numeric",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Validate(decode(t, tt.doc))
			if res.Valid {
				t.Fatal("expected validation to fail")
			}
			found := false
			for _, e := range res.Errors {
				if e.Field == tt.field && strings.Contains(e.Reason, tt.reason) {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on field %q containing %q, got %v", tt.field, tt.reason, res.Errors)
			}
		})
	}
}

func TestValidateDuplicateID(t *testing.T) {
	doc := `
- id: alpha
  status: pending
- id: beta
  status: pending
- id: alpha
  status: pending
`
	res := Validate(decode(t, doc))
	if res.Valid {
		t.Fatal("expected duplicate id to fail validation")
	}

	var dup *Error
	for i := range res.Errors {
		if strings.Contains(res.Errors[i].Reason, "duplicate id") {
			dup = &res.Errors[i]
		}
	}
	if dup == nil {
		t.Fatalf("no duplicate id error in %v", res.Errors)
	}
	// Both offending records must be identifiable.
	if dup.Index != 2 || !strings.Contains(dup.Reason, "record 0") {
		t.Errorf("duplicate error should name record 2 and first occurrence 0, got index %d reason %q", dup.Index, dup.Reason)
	}
}

func TestValidateWarnings(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		reason string
	}{
		{
			name:   "empty description",
			doc:    "- id: a\n  status: pending\n  test_criterion: go test\n",
			reason: "description is empty",
		},
		{
			name:   "short description",
			doc:    "- id: a\n  status: pending\n  description: too short\n  test_criterion: go test\n",
			reason: "recommended",
		},
		{
			name:   "missing test criterion",
			doc:    "- id: a\n  status: pending\n  description: a description of a perfectly reasonable length\n",
			reason: "missing test criterion",
		},
		{
			name:   "priority out of range",
			doc:    "- id: a\n  status: pending\n  priority: 500\n  description: a description of a perfectly reasonable length\n  test_criterion: go test\n",
			reason: "outside [0,100]",
		},
		{
			name:   "empty collection",
			doc:    "[]\n",
			reason: "collection is empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Validate(decode(t, tt.doc))
			if !res.Valid {
				t.Fatalf("expected warnings only, got errors: %v", res.Errors)
			}
			found := false
			for _, w := range res.Warnings {
				if strings.Contains(w.Reason, tt.reason) {
					found = true
				}
			}
			if !found {
				t.Errorf("expected warning containing %q, got %v", tt.reason, res.Warnings)
			}
		})
	}
}

func TestValidateMalformedDocuments(t *testing.T) {
	// None of these may panic; all must produce a document-level error.
	docs := []string{
		"just a string\n",
		"key: value\n",
		"- not a mapping\n- also not\n",
		"42\n",
	}

	for _, doc := range docs {
		res := Validate(decode(t, doc))
		if res.Valid {
			t.Errorf("expected %q to fail validation", doc)
		}
	}
}

func TestValidateNilDocument(t *testing.T) {
	// An empty file decodes to nil; that is an empty collection, not an error.
	res := Validate(nil)
	if !res.Valid {
		t.Fatalf("nil document should be valid with warnings, got errors: %v", res.Errors)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected empty-collection warning")
	}
}

func TestValidateCollectsAllFindings(t *testing.T) {
	doc := `
- id: "bad id"
  status: exploded
  priority: many
- description: record with no id
  status: pending
`
	res := Validate(decode(t, doc))
	if res.Valid {
		t.Fatal("expected validation to fail")
	}
	// One pass must report every problem, not stop at the first.
	if len(res.Errors) < 4 {
		t.Errorf("expected at least 4 errors collected in one pass, got %d: %v", len(res.Errors), res.Errors)
	}
}
