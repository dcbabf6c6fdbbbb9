package bencode

import "fmt"

// SyntaxError reports a malformed bencode stream: the byte position the
// decoder was at and what went wrong. For an unexpected or missing token,
// Pos is the offset of the offending byte; for a malformed integer or a
// truncated or over-long byte string, it is the offset where that integer's
// digits or that string's length prefix begin.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("bencode: syntax error at byte %d: %s", e.Pos, e.Msg)
}

func syntaxErrorf(pos int, format string, args ...any) *SyntaxError {
	return &SyntaxError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}
