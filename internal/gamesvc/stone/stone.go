package stone

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// DefaultStones is the fixed ordered payout table. Every entry is drawn with
// probability exactly 1/len(DefaultStones); the high values are rare only
// because they are single entries in the set, not because of extra weighting.
var DefaultStones = []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 25, 50, 75, 100, 250, 500, 750, 1000}

// DoubleStone pays the configured double multiplier in house games.
const DoubleStone = 500

// TripleStones pay the configured triple multiplier in house games.
var TripleStones = []int{750, 1000}

// IsTripleStone reports whether v is one of the designated triple stones.
func IsTripleStone(v int) bool {
	for _, t := range TripleStones {
		if v == t {
			return true
		}
	}
	return false
}

// Generator draws stones and support values from the OS entropy source.
// It is safe for concurrent use.
type Generator struct {
	stones []int
}

func NewGenerator() *Generator {
	return &Generator{stones: DefaultStones}
}

// NewGeneratorWithStones is used by tests and by deployments that override
// the payout table. The set must not be empty.
func NewGeneratorWithStones(stones []int) *Generator {
	if len(stones) == 0 {
		stones = DefaultStones
	}
	return &Generator{stones: stones}
}

// Stones returns the permitted value set in table order.
func (g *Generator) Stones() []int {
	out := make([]int, len(g.stones))
	copy(out, g.stones)
	return out
}

// NextStone draws one value uniformly from the permitted set. An entropy
// source failure is returned as an error; callers treat it as fatal to the
// operation since no outcome can be produced safely without it.
func (g *Generator) NextStone() (int, error) {
	idx, err := g.uniformN(uint64(len(g.stones)))
	if err != nil {
		return 0, err
	}
	return g.stones[idx], nil
}

// NextInt returns a uniform value in [min, max] inclusive.
func (g *Generator) NextInt(min, max int) (int, error) {
	if min > max {
		return 0, fmt.Errorf("stone: invalid range [%d, %d]", min, max)
	}
	span := uint64(max-min) + 1
	n, err := g.uniformN(span)
	if err != nil {
		return 0, err
	}
	return min + int(n), nil
}

// RandomToken returns a hex token of the given byte length, for transaction
// references and other opaque identifiers.
func (g *Generator) RandomToken(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("stone: invalid token length %d", length)
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("stone: entropy source unavailable: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// uniformN draws a uniform value in [0, n) by rejection sampling: any raw
// 64-bit sample above the largest multiple of n is redrawn before the modulo
// reduction, so no residue class is favored.
func (g *Generator) uniformN(n uint64) (uint64, error) {
	if n == 0 {
		return 0, fmt.Errorf("stone: empty range")
	}

	max := ^uint64(0)
	excess := (max % n) + 1
	if excess == n {
		excess = 0
	}
	limit := max - excess

	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("stone: entropy source unavailable: %w", err)
		}
		v := binary.BigEndian.Uint64(buf[:])
		if v <= limit {
			return v % n, nil
		}
	}
}
