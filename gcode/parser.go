package gcode

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

var (
	rx      = regexp.MustCompile(`^([A-Z][+\-]?[0-9]*\.?[0-9]+\.?)+$`)
	rxSplit = regexp.MustCompile(`[A-Z][+\-]?[0-9]*\.?[0-9]+\.?`)
)

// ErrInvalidLine is returned by ParseLine for text that is not a sequence of words.
var ErrInvalidLine = errors.New("invalid or unhandled line")

// StripComments removes `;` line comments and `(...)` inline comments and
// trims the result.
func StripComments(s string) string {
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	for {
		start := strings.IndexByte(s, '(')
		if start < 0 {
			break
		}
		end := strings.IndexByte(s[start:], ')')
		if end < 0 {
			// unterminated comment runs to end of line
			s = s[:start]
			break
		}
		s = s[:start] + s[start+end+1:]
	}
	return strings.TrimSpace(s)
}

// ParseLine tokenizes one line of a program. Lines that carry no words
// (blank, comment-only, `$` system commands, `%` delimiters) return a nil
// Block and no error.
func ParseLine(line string) (Block, error) {
	s := StripComments(line)
	s = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, s)
	s = strings.ToUpper(s)
	if s == "" || s[0] == '$' || s[0] == '%' {
		return nil, nil
	}
	if s[0] == 'N' {
		// line numbers are not part of modal state
		end := 1
		for end < len(s) && s[end] >= '0' && s[end] <= '9' {
			end++
		}
		s = s[end:]
		if s == "" {
			return nil, nil
		}
	}

	if !rx.MatchString(s) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidLine, s)
	}

	codes := rxSplit.FindAllString(s, -1)
	res := make(Block, len(codes))
	for i, c := range codes {
		arg, err := strconv.ParseFloat(c[1:], 64)
		if err != nil {
			return nil, err
		}
		res[i] = Word{W: c[0], Arg: arg}
	}

	return res, nil
}

// ReadLines reads a program into lines without interpreting it.
func ReadLines(r io.Reader) ([]string, error) {
	var lines []string
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 0, 4096), 1<<20)
	for scan.Scan() {
		lines = append(lines, strings.TrimRight(scan.Text(), "\r"))
	}
	if err := scan.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
