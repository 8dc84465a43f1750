package polynomial

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Polynomial is either defined by its coefficients (freshly generated) or
// by a set of points it passes through (rebuilt from shares).
type Polynomial struct {
	coefficients []*big.Int
	points       []Point
}

// NewRandom returns a polynomial of degree threshold-1 with f(0) = secret
// and uniformly random higher coefficients.
func NewRandom(secret *big.Int, threshold int) (*Polynomial, error) {
	if threshold < MinShares {
		return nil, fmt.Errorf("threshold must be at least %d", MinShares)
	}
	if secret == nil || secret.Sign() < 0 || secret.Cmp(fieldOrder) >= 0 {
		return nil, fmt.Errorf("secret out of range")
	}
	coefficients := make([]*big.Int, threshold)
	coefficients[0] = new(big.Int).Set(secret)
	for i := 1; i < threshold; i++ {
		c, err := rand.Int(rand.Reader, fieldOrder)
		if err != nil {
			return nil, fmt.Errorf("fail to generate coefficient: %w", err)
		}
		coefficients[i] = c
	}
	return &Polynomial{coefficients: coefficients}, nil
}

// Through returns the line with f(0) = secret passing through anchor.
func Through(secret *big.Int, anchor Point) (*Polynomial, error) {
	if secret == nil || anchor.X == nil || anchor.Y == nil {
		return nil, fmt.Errorf("secret and anchor are required")
	}
	x := new(big.Int).Mod(anchor.X, fieldOrder)
	if x.Sign() == 0 {
		return nil, fmt.Errorf("anchor index must not be zero")
	}
	s := new(big.Int).Mod(secret, fieldOrder)
	slope := new(big.Int).Sub(anchor.Y, s)
	slope.Mul(slope, new(big.Int).ModInverse(x, fieldOrder))
	slope.Mod(slope, fieldOrder)
	return &Polynomial{coefficients: []*big.Int{s, slope}}, nil
}

// FromPoints rebuilds the polynomial through the given points.
func FromPoints(points []Point) (*Polynomial, error) {
	pts := Dedup(points)
	if len(pts) < MinShares {
		return nil, fmt.Errorf("need at least %d distinct points, have %d", MinShares, len(pts))
	}
	return &Polynomial{points: pts}, nil
}

func (p *Polynomial) Threshold() int {
	if p.points != nil {
		return len(p.points)
	}
	return len(p.coefficients)
}

// Evaluate returns f(x) mod N.
func (p *Polynomial) Evaluate(x *big.Int) *big.Int {
	xm := new(big.Int).Mod(x, fieldOrder)
	if p.points != nil {
		return lagrange(p.points, xm)
	}
	result := new(big.Int)
	for i := len(p.coefficients) - 1; i >= 0; i-- {
		result.Mul(result, xm)
		result.Add(result, p.coefficients[i])
		result.Mod(result, fieldOrder)
	}
	return result
}

func (p *Polynomial) Secret() *big.Int {
	return p.Evaluate(new(big.Int))
}

// Share evaluates the polynomial at a nonzero index.
func (p *Polynomial) Share(index *big.Int) (Point, error) {
	x := new(big.Int).Mod(index, fieldOrder)
	if x.Sign() == 0 {
		return Point{}, fmt.Errorf("share index must not be zero")
	}
	return Point{X: x, Y: p.Evaluate(x)}, nil
}

// Wipe overwrites the coefficients and stored points.
func (p *Polynomial) Wipe() {
	for _, c := range p.coefficients {
		WipeInt(c)
	}
	for _, pt := range p.points {
		WipeInt(pt.X)
		WipeInt(pt.Y)
	}
	p.coefficients = nil
	p.points = nil
}

// WipeInt zeroes the words backing v.
func WipeInt(v *big.Int) {
	if v == nil {
		return
	}
	words := v.Bits()
	for i := range words {
		words[i] = 0
	}
	v.SetInt64(0)
}

// RandomIndex returns a random nonzero 128-bit share index.
func RandomIndex() (*big.Int, error) {
	buf := make([]byte, 16)
	for {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("fail to generate share index: %w", err)
		}
		x := new(big.Int).SetBytes(buf)
		if x.Sign() != 0 {
			return x, nil
		}
	}
}

// RandomScalar returns a uniformly random value in [1, N-1].
func RandomScalar() (*big.Int, error) {
	for {
		v, err := rand.Int(rand.Reader, fieldOrder)
		if err != nil {
			return nil, fmt.Errorf("fail to generate scalar: %w", err)
		}
		if v.Sign() != 0 {
			return v, nil
		}
	}
}

// ValidScalar reports whether v lies in [1, N-1].
func ValidScalar(v *big.Int) bool {
	return v != nil && v.Sign() > 0 && v.Cmp(fieldOrder) < 0
}
