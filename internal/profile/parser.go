package profile

import (
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"
)

// ErrUnknownProfiles is matched by every error returned from Parse
var ErrUnknownProfiles = errors.New("unknown RTSP profiles")

// ParseError reports a profile list that does not follow the grammar.
// Input is always the complete string handed to Parse.
type ParseError struct {
	Input string
	Pos   int // byte offset where scanning stopped
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("Unknown RTSP profiles (\"%s\") specified", e.Input)
}

// Unwrap lets errors.Is match ErrUnknownProfiles
func (e *ParseError) Unwrap() error {
	return ErrUnknownProfiles
}

// Parse reads a list of [S]AVP[F] tokens (any case) into a mask.
//
// Each token may be followed by exactly one non-alphanumeric delimiter
// before the next token. Any such character is accepted, so "AVP+SAVP",
// "AVP,SAVP" and "AVP~SAVP" are all equivalent. A delimiter must be
// followed by another token: empty input, leading and trailing delimiters
// are rejected. Repeated tokens are allowed.
func Parse(input string) (Mask, error) {
	var mask Mask
	pos := 0

	for {
		p, n, ok := scanToken(input[pos:])
		if !ok {
			return 0, &ParseError{Input: input, Pos: pos}
		}
		mask = mask.With(p)
		pos += n

		if pos == len(input) {
			return mask, nil
		}

		r, size := utf8.DecodeRuneInString(input[pos:])
		if isAlnum(r) {
			return 0, &ParseError{Input: input, Pos: pos}
		}
		pos += size
	}
}

// scanToken matches one profile token at the start of s and returns it with
// the number of bytes consumed
func scanToken(s string) (Profile, int, bool) {
	n := 0

	secure := n < len(s) && upper(s[n]) == 'S'
	if secure {
		n++
	}

	if len(s)-n < 3 || upper(s[n]) != 'A' || upper(s[n+1]) != 'V' || upper(s[n+2]) != 'P' {
		return 0, 0, false
	}
	n += 3

	feedback := n < len(s) && upper(s[n]) == 'F'
	if feedback {
		n++
	}

	switch {
	case secure && feedback:
		return SecureFeedback, n, true
	case secure:
		return Secure, n, true
	case feedback:
		return PlainFeedback, n, true
	default:
		return Plain, n, true
	}
}

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - ('a' - 'A')
	}
	return c
}

// isAlnum follows the C locale: only ASCII letters and digits count
func isAlnum(r rune) bool {
	return r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r))
}
