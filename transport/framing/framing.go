// Package framing splits byte streams into requests using the message
// terminators a device can be configured with.
package framing

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ndtelles/Atticus/errors"
)

// DefaultMaxFrame is the largest partial request kept before the peer is
// considered misbehaving.
const DefaultMaxFrame = 16 * 1024

// Terminator names the byte sequence ending each request and response.
type Terminator string

// Supported terminators.
const (
	LF   Terminator = "lf"
	CRLF Terminator = "crlf"
	None Terminator = "none"
)

// ParseTerminator accepts lf, crlf or none in any case. Empty selects LF.
func ParseTerminator(s string) (Terminator, error) {
	switch t := Terminator(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return LF, nil
	case LF, CRLF, None:
		return t, nil
	default:
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: unknown terminator %q", errors.ErrInvalidConfig, s),
			"framing", "ParseTerminator", "terminator lookup")
	}
}

// Sequence returns the terminator's byte sequence; None yields an empty string.
func (t Terminator) Sequence() string {
	switch t {
	case CRLF:
		return "\r\n"
	case None:
		return ""
	default:
		return "\n"
	}
}

// Split returns a bufio.SplitFunc for the terminator. With None every chunk
// read from the stream is one request.
func (t Terminator) Split() bufio.SplitFunc {
	if t == None {
		return func(data []byte, atEOF bool) (int, []byte, error) {
			if len(data) == 0 {
				return 0, nil, nil
			}
			return len(data), data, nil
		}
	}

	sep := []byte(t.Sequence())
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if i := bytes.Index(data, sep); i >= 0 {
			return i + len(sep), data[:i], nil
		}
		if atEOF && len(data) > 0 {
			// unterminated tail of a closed stream is dropped
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
}

// NewScanner reads terminated requests from r. A request longer than
// maxFrame stops the scanner; use Err to classify the failure.
func NewScanner(r io.Reader, t Terminator, maxFrame int) *bufio.Scanner {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, min(4096, maxFrame)), maxFrame)
	s.Split(t.Split())
	return s
}

// SkipFrame discards input from r up to and including the next terminator.
// It resynchronizes a stream after a request exceeded the frame limit.
func SkipFrame(r *bufio.Reader, t Terminator) error {
	sep := t.Sequence()
	if sep == "" {
		return nil
	}
	last := sep[len(sep)-1]

	var prev byte
	for {
		chunk, err := r.ReadSlice(last)
		if errors.Is(err, bufio.ErrBufferFull) {
			prev = chunk[len(chunk)-1]
			continue
		}
		if err != nil {
			return err
		}
		if len(sep) == 1 {
			return nil
		}
		before := prev
		if len(chunk) >= 2 {
			before = chunk[len(chunk)-2]
		}
		if before == sep[0] {
			return nil
		}
		prev = last
	}
}

// Err converts a scanner error, reporting oversize requests as ErrFrameTooLarge.
// A clean end of stream returns nil.
func Err(s *bufio.Scanner) error {
	err := s.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, bufio.ErrTooLong) {
		return errors.WrapInvalid(errors.ErrFrameTooLarge, "framing", "Scan", "request size check")
	}
	return err
}
