// Package polynomial implements Shamir sharing over the secp256k1 scalar
// field. All arithmetic is exact and reduced modulo the curve order N.
package polynomial

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vultisig/sssrecovery/internal/types"
)

// MinShares is the smallest threshold the scheme accepts.
const MinShares = 2

var fieldOrder = new(big.Int).Set(crypto.S256().Params().N)

// FieldOrder returns a copy of the secp256k1 group order N.
func FieldOrder() *big.Int {
	return new(big.Int).Set(fieldOrder)
}

// Point is an evaluation (x, f(x)) of a sharing polynomial.
type Point struct {
	X *big.Int
	Y *big.Int
}

func NewPoint(x, y *big.Int) Point {
	return Point{
		X: new(big.Int).Mod(x, fieldOrder),
		Y: new(big.Int).Mod(y, fieldOrder),
	}
}

// ParsePoint decodes a hex index and a hex value.
func ParsePoint(indexHex, valueHex string) (Point, error) {
	x, err := ParseHex(indexHex)
	if err != nil {
		return Point{}, fmt.Errorf("fail to parse share index: %w", err)
	}
	y, err := ParseHex(valueHex)
	if err != nil {
		return Point{}, fmt.Errorf("fail to parse share value: %w", err)
	}
	return NewPoint(x, y), nil
}

func ParseHex(s string) (*big.Int, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil, fmt.Errorf("empty hex string")
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex string")
	}
	return v, nil
}

// Hex renders v as 64 lowercase hex characters.
func Hex(v *big.Int) string {
	return fmt.Sprintf("%064x", v)
}

// Dedup drops points whose x repeats an earlier point and points at x = 0.
// The result holds reduced copies; callers wipe them.
func Dedup(points []Point) []Point {
	seen := make(map[string]struct{}, len(points))
	out := make([]Point, 0, len(points))
	for _, p := range points {
		if p.X == nil || p.Y == nil {
			continue
		}
		x := new(big.Int).Mod(p.X, fieldOrder)
		if x.Sign() == 0 {
			continue
		}
		k := x.Text(16)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, Point{X: x, Y: new(big.Int).Mod(p.Y, fieldOrder)})
	}
	return out
}

// Evaluate computes the value at x of the lowest-degree polynomial through
// points, using Lagrange's formula.
func Evaluate(points []Point, x *big.Int) (*big.Int, error) {
	pts := Dedup(points)
	defer wipeValues(pts)
	if len(pts) == 0 {
		return nil, fmt.Errorf("%w: no points", types.ErrInsufficientShares)
	}
	return lagrange(pts, new(big.Int).Mod(x, fieldOrder)), nil
}

// Interpolate recovers f(0) from at least MinShares distinct points.
func Interpolate(points []Point) (*big.Int, error) {
	return Reconstruct(points, MinShares)
}

// Reconstruct recovers f(0) once at least threshold distinct points are
// present. Thresholds below MinShares are raised to MinShares.
func Reconstruct(points []Point, threshold int) (*big.Int, error) {
	if threshold < MinShares {
		threshold = MinShares
	}
	pts := Dedup(points)
	defer wipeValues(pts)
	if len(pts) < threshold {
		return nil, fmt.Errorf("%w: have %d, need %d", types.ErrInsufficientShares, len(pts), threshold)
	}
	return lagrange(pts, new(big.Int)), nil
}

// lagrange expects deduplicated points.
func lagrange(pts []Point, x *big.Int) *big.Int {
	result := new(big.Int)
	num := new(big.Int)
	den := new(big.Int)
	tmp := new(big.Int)
	for i, pi := range pts {
		num.SetInt64(1)
		den.SetInt64(1)
		for j, pj := range pts {
			if i == j {
				continue
			}
			tmp.Sub(x, pj.X)
			num.Mul(num, tmp).Mod(num, fieldOrder)
			tmp.Sub(pi.X, pj.X)
			den.Mul(den, tmp).Mod(den, fieldOrder)
		}
		den.ModInverse(den, fieldOrder)
		term := new(big.Int).Mul(pi.Y, num)
		term.Mul(term, den).Mod(term, fieldOrder)
		result.Add(result, term)
		WipeInt(term)
	}
	return result.Mod(result, fieldOrder)
}

func wipeValues(pts []Point) {
	for _, p := range pts {
		WipeInt(p.Y)
	}
}
