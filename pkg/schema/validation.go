package schema

import (
	"fmt"
	"strings"
)

type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue locates one definition problem. Path uses the definition's
// JSON field names, e.g. "steps[2].condition.expression".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" || i.Path == "/" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues found in one definition. Errors block
// saving and running; warnings are reported alongside a successful save.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends other's issues. A nil other is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Summary is a one-line description of the errors, or "" when valid.
func (r *ValidationResult) Summary() string {
	switch len(r.Errors) {
	case 0:
		return ""
	case 1:
		return r.Errors[0].Message
	}
	parts := make([]string, len(r.Errors))
	for i, issue := range r.Errors {
		parts[i] = issue.String()
	}
	return fmt.Sprintf("definition invalid: %d errors: %s", len(r.Errors), strings.Join(parts, "; "))
}

// ToError returns nil for a valid result and otherwise a DEFINITION_ERROR
// carrying every issue in Details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	return NewError(ErrCodeDefinition, r.Summary()).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}
