package job

import "fmt"

// PanicError wraps a panic recovered from a handler. The captured stack
// ends up in the attempt row's error details.
type PanicError struct {
	Value any
	Stack string
}

// Error returns the panicking value as the attempt's error message.
func (e *PanicError) Error() string {
	return fmt.Sprintf("%v", e.Value)
}
