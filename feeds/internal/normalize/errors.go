package normalize

import "fmt"

// Kind classifies a normalization failure.
type Kind int

const (
	// MissingRequiredField means source_id or title is blank.
	MissingRequiredField Kind = iota
	// UnsupportedSchema means a value exists but cannot be interpreted.
	UnsupportedSchema
)

func (k Kind) String() string {
	if k == UnsupportedSchema {
		return "unsupported_schema"
	}
	return "missing_required_field"
}

// Error rejects one raw listing. It never aborts a batch.
type Error struct {
	Kind     Kind
	Field    string
	Value    string
	SourceID string
}

func (e *Error) Error() string {
	if e.Kind == MissingRequiredField {
		return fmt.Sprintf("normalize %s: missing required field %s", e.SourceID, e.Field)
	}
	return fmt.Sprintf("normalize %s: unsupported %s %q", e.SourceID, e.Field, e.Value)
}
