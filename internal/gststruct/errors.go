package gststruct

import "fmt"

const maxReadLen = 20

// DeserializeError is returned when a serialized value can not be parsed.
// Read holds the unread input at the point of failure.
type DeserializeError struct {
	Read   string
	Reason string
}

func newDeserializeError(read, reason string, args ...any) *DeserializeError {
	if len(args) > 0 {
		reason = fmt.Sprintf(reason, args...)
	}
	return &DeserializeError{Read: read, Reason: reason}
}

func (e *DeserializeError) Error() string {
	read := e.Read
	if r := []rune(read); len(r) > maxReadLen {
		read = string(r[:maxReadLen]) + "..."
	}
	return fmt.Sprintf("could not deserialize the string (%s) because it %s", read, e.Reason)
}

// InvalidValueError is returned when a name, key, type or value is rejected.
type InvalidValueError struct {
	Name   string
	Value  any
	Expect string
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("invalid value %#v for %s, expect %s", e.Value, e.Name, e.Expect)
}
