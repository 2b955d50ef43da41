package rating

import "math"

// WilsonCI95 for a Bernoulli win rate, counting draws as half a win.
func WilsonCI95(wins, draws, total int) (low, hi float64) {
	if total <= 0 {
		return 0, 1
	}
	z := 1.96
	n := float64(total)
	p := WinRate(wins, draws, total)
	den := 1 + (z*z)/n
	center := p + (z*z)/(2*n)
	half := z * math.Sqrt((p*(1-p))/n+(z*z)/(4*n*n))
	return math.Max(0, (center-half)/den), math.Min(1, (center+half)/den)
}

func WinRate(wins, draws, total int) float64 {
	if total <= 0 {
		return 0
	}
	return (float64(wins) + 0.5*float64(draws)) / float64(total)
}
