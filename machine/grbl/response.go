package grbl

import (
	"strconv"
	"strings"
)

// Kind is the category of a line received from the controller.
type Kind int

const (
	KindOther Kind = iota
	KindOk
	KindError
	KindAlarm
	KindStatusReport
	KindProbeResult
	KindModalDump
)

func (k Kind) String() string {
	switch k {
	case KindOk:
		return "ok"
	case KindError:
		return "error"
	case KindAlarm:
		return "alarm"
	case KindStatusReport:
		return "status"
	case KindProbeResult:
		return "probe"
	case KindModalDump:
		return "modal"
	}
	return "other"
}

// Response is one classified line.
type Response struct {
	Kind Kind

	// Code is the number of an error or alarm, -1 if it could not be read.
	Code int
	Raw  string
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func parseCode(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return -1
	}
	return n
}

// Classify tags a trimmed response line. Anything not recognized is
// KindOther and only meant for display.
func Classify(line string) Response {
	r := Response{Raw: line}
	switch {
	case strings.EqualFold(line, "ok"):
		r.Kind = KindOk
	case hasPrefixFold(line, "error:"):
		r.Kind = KindError
		r.Code = parseCode(line[len("error:"):])
	case hasPrefixFold(line, "alarm:"):
		r.Kind = KindAlarm
		r.Code = parseCode(line[len("alarm:"):])
	case strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">"):
		r.Kind = KindStatusReport
	case hasPrefixFold(line, "[PRB:"):
		r.Kind = KindProbeResult
	case hasPrefixFold(line, "[GC:"):
		r.Kind = KindModalDump
	}
	return r
}

// IsResetBanner reports whether line is the greeting a controller prints
// after power-up or a soft reset, e.g. "Grbl 1.1h ['$' for help]".
func IsResetBanner(line string) bool {
	return hasPrefixFold(line, "Grbl ") || hasPrefixFold(line, "GrblHAL ") || hasPrefixFold(line, "FluidNC ")
}
