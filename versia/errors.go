package versia

import "fmt"

// SchemaError reports a malformed entity or one with an unknown discriminant.
// It is terminal: the same payload will never parse.
type SchemaError struct {
	Type   Type
	Field  string
	Reason string
	Err    error
}

func (e *SchemaError) Error() string {
	msg := "schema error"
	if e.Type != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Type)
	}
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Field)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}
