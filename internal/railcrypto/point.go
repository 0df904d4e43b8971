package railcrypto

import (
	"fmt"

	"github.com/gtank/ristretto255"
)

const PointBytes = 32

// Point is a ristretto255 group element (canonical 32-byte encoding).
// The identity element encodes as 32 zero bytes.
type Point struct {
	v ristretto255.Element
}

func PointIdentity() Point {
	var p Point
	p.v.Zero()
	return p
}

func PointFromBytesCanonical(b []byte) (Point, error) {
	if len(b) != PointBytes {
		return Point{}, fmt.Errorf("point: expected %d bytes", PointBytes)
	}
	var p Point
	if _, err := p.v.SetCanonicalBytes(b); err != nil {
		return Point{}, fmt.Errorf("point: non-canonical: %w", err)
	}
	return p, nil
}

func (p Point) Bytes() []byte {
	return p.v.Bytes()
}

func (p Point) IsIdentity() bool {
	var z ristretto255.Element
	z.Zero()
	return p.v.Equal(&z) == 1
}

// MulBase returns s*G for the canonical generator G.
func MulBase(s Scalar) Point {
	var out Point
	out.v.ScalarBaseMult(&s.v)
	return out
}

func MulPoint(p Point, s Scalar) Point {
	var out Point
	out.v.ScalarMult(&s.v, &p.v)
	return out
}

func PointAdd(a, b Point) Point {
	var out Point
	out.v.Add(&a.v, &b.v)
	return out
}

func PointSub(a, b Point) Point {
	var out Point
	out.v.Subtract(&a.v, &b.v)
	return out
}

func PointEq(a, b Point) bool {
	return a.v.Equal(&b.v) == 1
}
