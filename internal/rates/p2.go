package rates

import (
	"math"
	"sort"
)

// P2Quantile estimates a quantile of a stream in O(1) memory using the P²
// algorithm: five markers whose heights approximate the quantile curve, with
// parabolic marker adjustment falling back to linear whenever the parabolic
// prediction would break marker monotonicity or go non-finite.
//
// For five or fewer observations the estimate is exact.
type P2Quantile struct {
	q       float64
	n       int
	initial []float64 // first five observations, unsorted
	pos     [5]int    // marker positions, 1-based
	desired [5]float64
	inc     [5]float64
	heights [5]float64
}

// NewP2Quantile returns an estimator for the q-quantile, q in (0, 1).
func NewP2Quantile(q float64) *P2Quantile {
	return &P2Quantile{
		q:       q,
		initial: make([]float64, 0, 5),
		inc:     [5]float64{0, q / 2, q, (1 + q) / 2, 1},
	}
}

// NewMedian returns a streaming median estimator.
func NewMedian() *P2Quantile { return NewP2Quantile(0.5) }

// Count returns the number of observations added.
func (p *P2Quantile) Count() int { return p.n }

// Add feeds one observation. Callers must gate out non-finite values.
func (p *P2Quantile) Add(x float64) {
	p.n++

	if p.n <= 5 {
		p.initial = append(p.initial, x)
		if p.n == 5 {
			sorted := append([]float64(nil), p.initial...)
			sort.Float64s(sorted)
			copy(p.heights[:], sorted)
			p.pos = [5]int{1, 2, 3, 4, 5}
			p.desired = [5]float64{1, 1 + 2*p.q, 1 + 4*p.q, 3 + 2*p.q, 5}
		}
		return
	}

	// Find the cell k containing x, extending the end markers when x falls
	// outside them.
	var k int
	switch {
	case x < p.heights[0]:
		p.heights[0] = x
		k = 0
	case x < p.heights[1]:
		k = 0
	case x < p.heights[2]:
		k = 1
	case x < p.heights[3]:
		k = 2
	case x <= p.heights[4]:
		k = 3
	default:
		p.heights[4] = x
		k = 3
	}

	for i := k + 1; i < 5; i++ {
		p.pos[i]++
	}
	for i := range p.desired {
		p.desired[i] += p.inc[i]
	}

	// Adjust the interior markers toward their desired positions.
	for i := 1; i <= 3; i++ {
		d := p.desired[i] - float64(p.pos[i])
		if !(d >= 1 && p.pos[i+1]-p.pos[i] > 1) && !(d <= -1 && p.pos[i-1]-p.pos[i] < -1) {
			continue
		}
		s := 1
		if d < 0 {
			s = -1
		}

		if qp, ok := p.parabolic(i, s); ok && p.heights[i-1] < qp && qp < p.heights[i+1] {
			p.heights[i] = qp
		} else if ql, ok := p.linear(i, s); ok {
			p.heights[i] = ql
		} else {
			continue // degenerate marker positions, leave the height alone
		}
		p.pos[i] += s
	}
}

// parabolic predicts the adjusted height of marker i moved by s using the
// piecewise-parabolic formula. Reports false for a degenerate denominator or
// a non-finite prediction.
func (p *P2Quantile) parabolic(i, s int) (float64, bool) {
	nm1 := float64(p.pos[i-1])
	ni := float64(p.pos[i])
	np1 := float64(p.pos[i+1])
	if np1 == nm1 || np1 == ni || ni == nm1 {
		return 0, false
	}
	qp := p.heights[i] + float64(s)/(np1-nm1)*
		((ni-nm1+float64(s))*(p.heights[i+1]-p.heights[i])/(np1-ni)+
			(np1-ni-float64(s))*(p.heights[i]-p.heights[i-1])/(ni-nm1))
	if math.IsNaN(qp) || math.IsInf(qp, 0) {
		return 0, false
	}
	return qp, true
}

func (p *P2Quantile) linear(i, s int) (float64, bool) {
	denom := float64(p.pos[i+s] - p.pos[i])
	if denom == 0 {
		return 0, false
	}
	ql := p.heights[i] + float64(s)*(p.heights[i+s]-p.heights[i])/denom
	if math.IsNaN(ql) || math.IsInf(ql, 0) {
		return 0, false
	}
	return ql, true
}

// Value returns the current quantile estimate: exact for up to five
// observations, the middle marker height after that, 0.0 for an empty stream.
func (p *P2Quantile) Value() float64 {
	if p.n == 0 {
		return 0.0
	}
	if p.n <= 5 {
		sorted := append([]float64(nil), p.initial...)
		sort.Float64s(sorted)
		idx := p.q * float64(len(sorted)-1)
		lo := int(math.Floor(idx))
		hi := int(math.Ceil(idx))
		if lo == hi {
			return sorted[lo]
		}
		frac := idx - float64(lo)
		return sorted[lo]*(1-frac) + sorted[hi]*frac
	}
	return p.heights[2]
}

// Clone returns an independent copy, used by the part-staging overlay.
func (p *P2Quantile) Clone() *P2Quantile {
	c := *p
	c.initial = append([]float64(nil), p.initial...)
	return &c
}
