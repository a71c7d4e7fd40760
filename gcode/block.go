package gcode

import "strings"

type Block []Word

func (b Block) Arg(w byte) (bool, float64) {
	for _, g := range b {
		if g.W == w {
			return true, g.Arg
		}
	}
	return false, 0
}

// Has reports whether the block contains the exact word.
func (b Block) Has(c byte, arg float64) bool {
	for _, g := range b {
		if g.Is(c, arg) {
			return true
		}
	}
	return false
}

func (b Block) HasAxis() bool {
	for _, g := range b {
		if g.IsAxis() {
			return true
		}
	}
	return false
}

// HasMotion reports whether the block commands movement, either with an
// explicit motion word or with axis words under the current motion mode.
func (b Block) HasMotion() bool {
	for _, g := range b {
		if g.W == 'G' && g.ModalGroup() == ModalGroupMotion {
			return true
		}
	}
	return b.HasAxis()
}

func (b Block) String() string {
	parts := make([]string, len(b))
	for i, g := range b {
		parts[i] = g.String()
	}
	return strings.Join(parts, " ")
}
