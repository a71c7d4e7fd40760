package coord

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoint_Add(t *testing.T) {
	a := Point{X: 1, Y: 2, Z: 3}
	b := Point{X: 4, Y: 5, Z: 6, A: 1}

	assert.Equal(t, Point{X: 5, Y: 7, Z: 9, A: 1}, a.Add(b))
}

func TestPoint_Sub(t *testing.T) {
	m := Point{X: 1, Y: 2, Z: 3}
	wco := Point{X: 0.1, Y: 0.2, Z: 0.3}

	w := m.Sub(wco)
	assert.InDelta(t, 0.9, w.X, 1e-9)
	assert.InDelta(t, 1.8, w.Y, 1e-9)
	assert.InDelta(t, 2.7, w.Z, 1e-9)
}

func TestPoint_String(t *testing.T) {
	assert.Equal(t, "1.000,-2.500,0.000,0.000", Point{X: 1, Y: -2.5}.String())
}
