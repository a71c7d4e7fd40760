package grbl

import (
	"bytes"
	"iter"
	"sync"
)

// A Reassembler turns raw chunks read from the controller into lines.
//
// Chunk boundaries carry no meaning; partial lines are held until their
// terminator arrives. Either CR or LF ends a line and a CRLF pair produces
// a single boundary.
type Reassembler struct {
	mx  sync.Mutex
	buf []byte
}

// Lines appends chunk to the pending data and returns the complete lines in
// arrival order. Lines are trimmed; empty lines are dropped. The sequence is
// lazy: lines not consumed when iteration stops stay buffered for the next call.
func (r *Reassembler) Lines(chunk []byte) iter.Seq[string] {
	r.mx.Lock()
	r.buf = append(r.buf, chunk...)
	r.mx.Unlock()

	return func(yield func(string) bool) {
		for {
			line, ok := r.next()
			if !ok {
				return
			}
			if !yield(line) {
				return
			}
		}
	}
}

func (r *Reassembler) next() (string, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	for {
		i := bytes.IndexAny(r.buf, "\r\n")
		if i < 0 {
			return "", false
		}
		line := string(bytes.TrimSpace(r.buf[:i]))
		r.buf = r.buf[i+1:]
		if line == "" {
			// covers the LF of a CRLF pair as well as blank lines
			continue
		}
		return line, true
	}
}

// Pending returns the buffered partial line.
func (r *Reassembler) Pending() string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return string(r.buf)
}

// Reset discards any buffered partial line.
func (r *Reassembler) Reset() {
	r.mx.Lock()
	r.buf = nil
	r.mx.Unlock()
}
