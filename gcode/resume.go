package gcode

import (
	"errors"
	"fmt"
)

// ErrPositionUncertain is returned when the replayed position cannot be
// trusted for repositioning.
var ErrPositionUncertain = errors.New("replayed position is uncertain")

// ErrNoPosition is returned when no X/Y position was seen before the resume line.
var ErrNoPosition = errors.New("no X/Y position before resume line")

// ErrInvalidModal is returned when a ModalState holds a mode that is not a
// single G or M word.
var ErrInvalidModal = errors.New("invalid modal word")

// ResumeOptions configure the generated repositioning moves.
type ResumeOptions struct {
	// SafeZ is the height, in millimetres, the tool is raised to before any
	// XY travel.
	SafeZ float64

	// SafeZMachine interprets SafeZ in machine coordinates (G53).
	SafeZMachine bool

	// SpindleDwell is the number of seconds to wait after restarting the
	// spindle before plunging. Zero disables the dwell.
	SpindleDwell float64
}

// DefaultResumeOptions raise to 1mm below the Z home switch.
func DefaultResumeOptions() ResumeOptions {
	return ResumeOptions{SafeZ: -1, SafeZMachine: true}
}

func word(s string) (Word, error) {
	b, err := ParseLine(s)
	if err != nil || len(b) != 1 || (b[0].W != 'G' && b[0].W != 'M') {
		return Word{}, fmt.Errorf("%w: %q", ErrInvalidModal, s)
	}
	return b[0], nil
}

// modes parses the modal words of m that the resume sequence emits.
func (m ModalState) modes() (units, coords, plane, feed, spindle, motion Word, err error) {
	for _, f := range []struct {
		dst *Word
		src string
	}{
		{&units, m.Units},
		{&coords, m.CoordinateSystem},
		{&plane, m.Plane},
		{&feed, m.FeedMode},
		{&spindle, m.Spindle},
		{&motion, m.Motion},
	} {
		if *f.dst, err = word(f.src); err != nil {
			return
		}
	}
	return
}

// preamble restores every mode that the repositioning moves do not depend on.
func (m ModalState) preamble(units, coords, plane, feed, spindle Word, opt ResumeOptions) []Block {
	b := []Block{
		{units},
		{coords},
		{plane},
		{feed},
		{{W: 'G', Arg: 90}},
	}
	if m.Tool != 0 {
		b = append(b, Block{{W: 'T', Arg: float64(m.Tool)}})
	}
	if m.SpindleOn() {
		b = append(b, Block{{W: 'S', Arg: m.SpindleSpeed}, spindle})
		if opt.SpindleDwell > 0 {
			b = append(b, Block{{W: 'G', Arg: 4}, {W: 'P', Arg: opt.SpindleDwell}})
		}
	} else {
		b = append(b, Block{{W: 'M', Arg: 5}})
	}
	switch {
	case m.Mist && m.Flood:
		b = append(b, Block{{W: 'M', Arg: 7}}, Block{{W: 'M', Arg: 8}})
	case m.Mist:
		b = append(b, Block{{W: 'M', Arg: 7}})
	case m.Flood:
		b = append(b, Block{{W: 'M', Arg: 8}})
	default:
		b = append(b, Block{{W: 'M', Arg: 9}})
	}
	return b
}

// reposition raises to a safe height, travels over the target, then
// drops to the target height. The safe height is always given in
// millimetres; the program's units are restored before the XY travel.
func (m ModalState) reposition(units Word, opt ResumeOptions) []Block {
	safe := Block{{W: 'G', Arg: 0}, {W: 'Z', Arg: opt.SafeZ}}
	if opt.SafeZMachine {
		safe = append(Block{{W: 'G', Arg: 53}}, safe...)
	}
	var b []Block
	if units.Arg != 21 {
		b = append(b, Block{{W: 'G', Arg: 21}}, safe, Block{units})
	} else {
		b = append(b, safe)
	}

	travel := Block{{W: 'G', Arg: 0}}
	if m.HasX {
		travel = append(travel, Word{W: 'X', Arg: m.LastX})
	}
	if m.HasY {
		travel = append(travel, Word{W: 'Y', Arg: m.LastY})
	}

	b = append(b, travel)
	if m.HasZ {
		b = append(b, Block{{W: 'G', Arg: 0}, {W: 'Z', Arg: m.LastZ}})
	}
	return b
}

// restore puts back the modes the repositioning moves overrode. The
// motion mode is restored so a following line that only carries axis
// words (an arc continuation, say) is not run as a rapid.
func (m ModalState) restore(motion Word) []Block {
	var b []Block
	if m.Relative() {
		b = append(b, Block{{W: 'G', Arg: 91}})
	}
	var last Block
	switch motion.Arg {
	case 1, 2, 3, 80:
		last = Block{motion}
	}
	if m.Feed > 0 {
		last = append(last, Word{W: 'F', Arg: m.Feed})
	}
	if len(last) > 0 {
		b = append(b, last)
	}
	return b
}

// ResumeSequence returns the commands that bring a freshly reset controller
// back to this state: a mode-restoring preamble, a three stage rapid
// (safe Z, target X/Y, target Z), then the distance mode, motion mode
// and feed.
func (m ModalState) ResumeSequence(opt ResumeOptions) ([]string, error) {
	if m.Uncertain {
		return nil, fmt.Errorf("line %d: %w", m.UncertainLine, ErrPositionUncertain)
	}
	if !m.HasX && !m.HasY {
		return nil, ErrNoPosition
	}

	units, coords, plane, feed, spindle, motion, err := m.modes()
	if err != nil {
		return nil, err
	}

	var blocks []Block
	blocks = append(blocks, m.preamble(units, coords, plane, feed, spindle, opt)...)
	blocks = append(blocks, m.reposition(units, opt)...)
	blocks = append(blocks, m.restore(motion)...)

	res := make([]string, len(blocks))
	for i, b := range blocks {
		res[i] = b.String()
	}
	return res, nil
}

// FirstMotion returns the index of the first line that commands movement,
// or -1 if there is none.
func FirstMotion(lines []string) int {
	for i, line := range lines {
		b, err := ParseLine(line)
		if err != nil {
			continue
		}
		if b.HasMotion() {
			return i
		}
	}
	return -1
}

// SetupPreamble returns the setup lines (units, offsets, tool, spindle ...)
// preceding the first motion command, with comments and blank lines removed.
// It is used to restart a program from an arbitrary line without resuming
// position.
func SetupPreamble(lines []string) []string {
	end := FirstMotion(lines)
	if end < 0 {
		end = len(lines)
	}
	var res []string
	for _, line := range lines[:end] {
		if s := StripComments(line); s != "" {
			res = append(res, s)
		}
	}
	return res
}
