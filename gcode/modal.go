package gcode

import (
	"errors"
	"fmt"
)

// ErrLineOutOfRange is returned when a replay target is not a line of the program.
var ErrLineOutOfRange = errors.New("line out of range")

// ModalState is the interpreter state reconstructed by replaying program text.
//
// It is a textual replay, not a kinematic simulation: positions are the last
// literal axis words seen, accumulated under G91.
type ModalState struct {
	CoordinateSystem string // G54-G59.3
	DistanceMode     string // G90/G91
	Units            string // G20/G21
	Plane            string // G17/G18/G19
	FeedMode         string // G93/G94/G95
	Motion           string // G0/G1/G2/G3/G38.x/G80

	Spindle      string // M3/M4/M5
	SpindleSpeed float64
	Feed         float64
	Mist         bool // M7
	Flood        bool // M8
	Tool         int

	LastX, LastY, LastZ float64
	HasX, HasY, HasZ    bool

	// Uncertain is set once a line moved the tool somewhere the replay
	// cannot follow (G28/G30/G38.x/G92/G10 L20, or a G91 move on an axis
	// with no known position). UncertainLine is the first such line.
	Uncertain     bool
	UncertainLine int

	// Skipped lists lines that could not be tokenized.
	Skipped []int
}

// DefaultModalState returns the power-on state of a grbl controller.
func DefaultModalState() ModalState {
	return ModalState{
		CoordinateSystem: "G54",
		DistanceMode:     "G90",
		Units:            "G21",
		Plane:            "G17",
		FeedMode:         "G94",
		Motion:           "G0",
		Spindle:          "M5",
		UncertainLine:    -1,
	}
}

func (m ModalState) Relative() bool { return m.DistanceMode == "G91" }

// SpindleOn reports whether M3 or M4 is active.
func (m ModalState) SpindleOn() bool { return m.Spindle == "M3" || m.Spindle == "M4" }

func (m *ModalState) markUncertain(line int) {
	if !m.Uncertain {
		m.Uncertain = true
		m.UncertainLine = line
	}
}

func (m *ModalState) programEnd() {
	m.CoordinateSystem = "G54"
	m.Plane = "G17"
	m.DistanceMode = "G90"
	m.FeedMode = "G94"
	m.Motion = "G1"
	m.Spindle = "M5"
	m.Mist = false
	m.Flood = false
}

// Apply updates the state with one block. line is only used to record
// where the position became uncertain.
func (m *ModalState) Apply(b Block, line int) {
	var machineCoords, skipAxes bool
	for _, g := range b {
		switch g.W {
		case 'F':
			m.Feed = g.Arg
			continue
		case 'S':
			m.SpindleSpeed = g.Arg
			continue
		case 'T':
			m.Tool = int(g.Arg)
			continue
		}

		switch g.ModalGroup() {
		case ModalGroupCoordinateSystem:
			m.CoordinateSystem = g.String()
		case ModalGroupDistanceMode:
			m.DistanceMode = g.String()
		case ModalGroupUnits:
			m.Units = g.String()
		case ModalGroupPlaneSelection:
			m.Plane = g.String()
		case ModalGroupFeedRateMode:
			m.FeedMode = g.String()
		case ModalGroupMotion:
			m.Motion = g.String()
			if g.Arg >= 38 && g.Arg < 39 {
				// probe stops wherever contact is made
				m.markUncertain(line)
				skipAxes = true
			}
		case ModalGroupSpindle:
			m.Spindle = g.String()
		case ModalGroupCoolant:
			switch g.Arg {
			case 7:
				m.Mist = true
			case 8:
				m.Flood = true
			case 9:
				m.Mist = false
				m.Flood = false
			}
		case ModalGroupStopping:
			if g.Arg == 2 || g.Arg == 30 {
				m.programEnd()
			}
		case ModalGroupNonModal:
			switch g.Arg {
			case 53:
				machineCoords = true
			case 28, 30, 92:
				m.markUncertain(line)
				skipAxes = true
			case 10:
				if ok, l := b.Arg('L'); ok && l == 20 {
					m.markUncertain(line)
				}
				skipAxes = true
			case 4:
				skipAxes = true
			}
		}
	}

	if skipAxes || !b.HasAxis() {
		return
	}
	if machineCoords {
		// machine coordinates say nothing about the work position
		// without the offsets, which the replay does not track
		m.markUncertain(line)
		return
	}
	m.applyAxis(b, 'X', &m.LastX, &m.HasX, line)
	m.applyAxis(b, 'Y', &m.LastY, &m.HasY, line)
	m.applyAxis(b, 'Z', &m.LastZ, &m.HasZ, line)
}

func (m *ModalState) applyAxis(b Block, axis byte, val *float64, known *bool, line int) {
	ok, arg := b.Arg(axis)
	if !ok {
		return
	}
	if !m.Relative() {
		*val = arg
		*known = true
		return
	}
	if !*known {
		m.markUncertain(line)
		return
	}
	*val += arg
}

// Replay runs every line from the start of the program up to and including
// target and returns the resulting modal state.
func Replay(lines []string, target int) (ModalState, error) {
	if target < 0 || target >= len(lines) {
		return ModalState{}, fmt.Errorf("replay to %d of %d lines: %w", target, len(lines), ErrLineOutOfRange)
	}

	m := DefaultModalState()
	for i, line := range lines[:target+1] {
		b, err := ParseLine(line)
		if err != nil {
			m.Skipped = append(m.Skipped, i)
			continue
		}
		m.Apply(b, i)
	}
	return m, nil
}
