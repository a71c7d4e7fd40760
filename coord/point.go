package coord

import (
	"strconv"
	"strings"
)

// Point is a position on up to four axes.
type Point struct{ X, Y, Z, A float64 }

func (p Point) Equal(b Point) bool {
	return p.X == b.X && p.Y == b.Y && p.Z == b.Z && p.A == b.A
}

// Add will add the target values to p.
func (p Point) Add(target Point) Point {
	p.X += target.X
	p.Y += target.Y
	p.Z += target.Z
	p.A += target.A
	return p
}

// Sub will subtract the target values from p.
func (p Point) Sub(target Point) Point {
	p.X -= target.X
	p.Y -= target.Y
	p.Z -= target.Z
	p.A -= target.A
	return p
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 3, 64)
}

func (p Point) String() string {
	return strings.Join([]string{formatFloat(p.X), formatFloat(p.Y), formatFloat(p.Z), formatFloat(p.A)}, ",")
}
