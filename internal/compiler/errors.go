package compiler

import "fmt"

// Error is one recovered parse error. Where is "" for a lexical error,
// " at end" at EOF, or " at '<lexeme>'" otherwise.
type Error struct {
	Line    int
	Where   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("[line %d] Error%s: %s", e.Line, e.Where, e.Message)
}
