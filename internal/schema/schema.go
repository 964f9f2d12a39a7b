// Package schema validates the structural well-formedness of a raw task
// collection before it is trusted by graph construction. Malformed input is
// reported through the validation result, never by panicking.
package schema

import (
	"fmt"
	"strings"
	"unicode"
)

// Error describes a structural problem that blocks graph construction.
type Error struct {
	Index  int    // Position of the record in the collection (-1 for document-level errors)
	ID     string // Task ID if one could be read from the record
	Field  string // Offending field, empty for record-level errors
	Reason string
}

func (e Error) Error() string {
	var b strings.Builder
	if e.Index >= 0 {
		fmt.Fprintf(&b, "record %d", e.Index)
		if e.ID != "" {
			fmt.Fprintf(&b, " (%s)", e.ID)
		}
		b.WriteString(": ")
	}
	if e.Field != "" {
		fmt.Fprintf(&b, "field %q: ", e.Field)
	}
	b.WriteString(e.Reason)
	return b.String()
}

// Warning describes an advisory finding that does not block construction.
type Warning struct {
	Index  int
	ID     string
	Field  string
	Reason string
}

func (w Warning) String() string {
	return Error{Index: w.Index, ID: w.ID, Field: w.Field, Reason: w.Reason}.Error()
}

// Result is the outcome of schema validation.
type Result struct {
	Valid    bool
	Errors   []Error
	Warnings []Warning
}

// Description length guidance band. Outside the band is a warning only.
const (
	descMinLen = 20
	descMaxLen = 200
)

// Priority bounds. Outside the range is a warning only.
const (
	priorityMin = 0
	priorityMax = 100
)

// Validate checks a raw decoded document against the task record schema.
// The document is expected to be a sequence of mappings as produced by
// task.DecodeRaw. All errors and warnings are collected in a single pass so
// one fix-and-retry cycle can address everything.
func Validate(doc any) Result {
	var res Result

	records, ok := asSequence(doc)
	if !ok {
		res.Errors = append(res.Errors, Error{
			Index:  -1,
			Reason: fmt.Sprintf("collection must be a sequence of task records, got %T", doc),
		})
		return res
	}

	if len(records) == 0 {
		res.Warnings = append(res.Warnings, Warning{Index: -1, Reason: "collection is empty"})
	}

	seen := make(map[string]int, len(records))
	for i, raw := range records {
		rec, ok := raw.(map[string]any)
		if !ok {
			res.Errors = append(res.Errors, Error{
				Index:  i,
				Reason: fmt.Sprintf("record must be a mapping, got %T", raw),
			})
			continue
		}
		validateRecord(i, rec, seen, &res)
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// validateRecord checks a single record, appending findings to res.
func validateRecord(i int, rec map[string]any, seen map[string]int, res *Result) {
	id := validateID(i, rec, seen, res)
	validateStatus(i, id, rec, res)
	validateDependencies(i, id, rec, res)
	validatePriority(i, id, rec, res)
	validateDescription(i, id, rec, res)

	if crit, ok := rec["test_criterion"]; !ok || crit == "" {
		res.Warnings = append(res.Warnings, Warning{
			Index: i, ID: id, Field: "test_criterion",
			Reason: "missing test criterion; task outcome cannot be verified",
		})
	}
}

func validateID(i int, rec map[string]any, seen map[string]int, res *Result) string {
	raw, ok := rec["id"]
	if !ok {
		res.Errors = append(res.Errors, Error{Index: i, Field: "id", Reason: "missing id"})
		return ""
	}

	id, ok := raw.(string)
	if !ok {
		res.Errors = append(res.Errors, Error{
			Index: i, Field: "id",
			Reason: fmt.Sprintf("id must be a string, got %T", raw),
		})
		return ""
	}
	if id == "" {
		res.Errors = append(res.Errors, Error{Index: i, Field: "id", Reason: "id is empty"})
		return ""
	}
	if strings.IndexFunc(id, unicode.IsSpace) >= 0 {
		res.Errors = append(res.Errors, Error{
			Index: i, ID: id, Field: "id",
			Reason: fmt.Sprintf("id %q contains whitespace", id),
		})
	}

	if first, dup := seen[id]; dup {
		res.Errors = append(res.Errors, Error{
			Index: i, ID: id, Field: "id",
			Reason: fmt.Sprintf("duplicate id %q (first seen at record %d)", id, first),
		})
	} else {
		seen[id] = i
	}
	return id
}

// validateStatus requires either a known string "status" or a boolean
// "passes" field. Older collections use the boolean form.
func validateStatus(i int, id string, rec map[string]any, res *Result) {
	status, hasStatus := rec["status"]
	passes, hasPasses := rec["passes"]

	if !hasStatus && !hasPasses {
		res.Errors = append(res.Errors, Error{
			Index: i, ID: id, Field: "status",
			Reason: "record has neither a status nor a passes field",
		})
		return
	}

	if hasStatus {
		s, ok := status.(string)
		if !ok {
			res.Errors = append(res.Errors, Error{
				Index: i, ID: id, Field: "status",
				Reason: fmt.Sprintf("status must be a string, got %T", status),
			})
		} else if !knownStatus(s) {
			res.Errors = append(res.Errors, Error{
				Index: i, ID: id, Field: "status",
				Reason: fmt.Sprintf("unknown status %q", s),
			})
		}
	}

	if hasPasses {
		if _, ok := passes.(bool); !ok {
			res.Errors = append(res.Errors, Error{
				Index: i, ID: id, Field: "passes",
				Reason: fmt.Sprintf("passes must be a boolean, got %T", passes),
			})
		}
	}
}

func validateDependencies(i int, id string, rec map[string]any, res *Result) {
	raw, ok := rec["dependencies"]
	if !ok || raw == nil {
		return
	}

	deps, ok := asSequence(raw)
	if !ok {
		res.Errors = append(res.Errors, Error{
			Index: i, ID: id, Field: "dependencies",
			Reason: fmt.Sprintf("dependencies must be a sequence, got %T", raw),
		})
		return
	}

	for j, dep := range deps {
		if _, ok := dep.(string); !ok {
			res.Errors = append(res.Errors, Error{
				Index: i, ID: id, Field: "dependencies",
				Reason: fmt.Sprintf("dependency %d must be a string, got %T", j, dep),
			})
		}
	}
}

func validatePriority(i int, id string, rec map[string]any, res *Result) {
	raw, ok := rec["priority"]
	if !ok || raw == nil {
		return
	}

	var priority float64
	switch v := raw.(type) {
	case int:
		priority = float64(v)
	case float64:
		priority = v
	default:
		res.Errors = append(res.Errors, Error{
			Index: i, ID: id, Field: "priority",
			Reason: fmt.Sprintf("priority must be numeric, got %T", raw),
		})
		return
	}

	if priority < priorityMin || priority > priorityMax {
		res.Warnings = append(res.Warnings, Warning{
			Index: i, ID: id, Field: "priority",
			Reason: fmt.Sprintf("priority %v outside [%d,%d]", raw, priorityMin, priorityMax),
		})
	}
}

func validateDescription(i int, id string, rec map[string]any, res *Result) {
	raw, hasDesc := rec["description"]
	desc, _ := raw.(string)

	if !hasDesc || desc == "" {
		res.Warnings = append(res.Warnings, Warning{
			Index: i, ID: id, Field: "description",
			Reason: "description is empty",
		})
		return
	}

	if n := len(desc); n < descMinLen || n > descMaxLen {
		res.Warnings = append(res.Warnings, Warning{
			Index: i, ID: id, Field: "description",
			Reason: fmt.Sprintf("description is %d chars; %d-%d recommended", n, descMinLen, descMaxLen),
		})
	}
}

func knownStatus(s string) bool {
	switch s {
	case "pending", "in_progress", "passing", "failed", "blocked":
		return true
	}
	return false
}

// asSequence normalizes the decoded forms a YAML sequence can take.
func asSequence(v any) ([]any, bool) {
	switch seq := v.(type) {
	case []any:
		return seq, true
	case nil:
		return nil, true
	default:
		return nil, false
	}
}
