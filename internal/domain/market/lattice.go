package market

import "math"

const (
	// LatticeSize is the number of strikes listed per ticker
	LatticeSize = 15

	// StrikeStep is the spacing between adjacent strikes
	StrikeStep = 500.0
)

// StrikeLattice lists strikes in descending order around the anchor
type StrikeLattice []float64

// NewStrikeLattice anchors a lattice on spot: round to the nearest 100, drop the
// remainder modulo 200, then list 7 strikes above and 7 below that base.
func NewStrikeLattice(spot float64) StrikeLattice {
	rounded := math.Round(spot/100) * 100
	base := rounded - math.Mod(rounded, 200)

	half := LatticeSize / 2
	lattice := make(StrikeLattice, LatticeSize)
	for i := 0; i < LatticeSize; i++ {
		lattice[i] = base + float64(half-i)*StrikeStep
	}
	return lattice
}

// IndexOf returns the position of strike on the lattice. Strikes that are not
// listed exactly are not found; there is no interpolation.
func (l StrikeLattice) IndexOf(strike float64) (int, bool) {
	for i, s := range l {
		if math.Abs(s-strike) < 1e-9 {
			return i, true
		}
	}
	return -1, false
}

// Base returns the anchor strike in the middle of the lattice
func (l StrikeLattice) Base() float64 {
	if len(l) == 0 {
		return 0
	}
	return l[len(l)/2]
}

// Clone returns a copy safe to hand to readers
func (l StrikeLattice) Clone() StrikeLattice {
	out := make(StrikeLattice, len(l))
	copy(out, l)
	return out
}
