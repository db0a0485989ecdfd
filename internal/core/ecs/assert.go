package ecs

import "fmt"

// AssertError is the panic value raised when a precondition of the ECS is
// violated. There is no recovery path: a stale entity, an undeclared write or
// a mutation while the world is busy is a programming error.
type AssertError struct {
	Msg string
}

func (e *AssertError) Error() string { return "ecs: " + e.Msg }

// Assert panics with an *AssertError when cond is false.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(&AssertError{Msg: fmt.Sprintf(format, args...)})
	}
}
