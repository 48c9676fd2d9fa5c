package solver

import (
	"math"
	"math/rand/v2"

	"github.com/dgnsrekt/captcha_relay/internal/wire"
)

const maxMouseSteps = 1000

type offsetFunc func(rng *rand.Rand, t, r float64) float64

// offsets perturb an eased straight line so no two paths look alike.
var offsets = []offsetFunc{
	func(rng *rand.Rand, t, r float64) float64 { return math.Sin(t*r)*50 + uniform(rng, -3, 3) },
	func(rng *rand.Rand, t, r float64) float64 { return math.Cos(t*r)*40 + uniform(rng, -3, 3) },
	func(rng *rand.Rand, t, r float64) float64 { return math.Pow(t, 1.5)*r + uniform(rng, -2, 2) },
	func(rng *rand.Rand, t, r float64) float64 { return math.Log(t+1)*30*r + uniform(rng, -2, 2) },
	func(rng *rand.Rand, t, r float64) float64 { return math.Exp(0.03*t*r) + uniform(rng, -2, 2) },
	func(rng *rand.Rand, t, r float64) float64 { return 60*math.Atan(t/(10*r)) + uniform(rng, -2, 2) },
	func(rng *rand.Rand, t, r float64) float64 { return 20*math.Tanh(0.1*t*r) + uniform(rng, -2, 2) },
	func(rng *rand.Rand, t, r float64) float64 { return 10*math.Sqrt(math.Abs(t*r)) + uniform(rng, -2, 2) },
	func(rng *rand.Rand, t, r float64) float64 {
		return 30*math.Sin(t*r*0.5)*math.Cos(t*r*0.3) + uniform(rng, -2, 2)
	},
	func(rng *rand.Rand, t, r float64) float64 { return 25*(1-math.Exp(-0.1*t*r)) + uniform(rng, -2, 2) },
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

// smoothstep eases progress in and out.
func smoothstep(p float64) float64 {
	return p * p * (3 - 2*p)
}

// MousePath returns steps points from start towards end along an eased curve
// with decaying offsets and micro-jitter of up to ±jitter/4 px on interior
// points. The last point is always exactly end. steps <= 0 selects the
// default of 50.
func MousePath(rng *rand.Rand, start, end wire.Point, steps int, jitter float64) []wire.Point {
	if steps <= 0 {
		steps = wire.DefaultMouseSteps
	}
	if steps > maxMouseSteps {
		steps = maxMouseSteps
	}

	order := rng.Perm(len(offsets))
	dx := end[0] - start[0]
	dy := end[1] - start[1]
	scale := math.Min(1, math.Hypot(dx, dy)/100)
	timeFactor := uniform(rng, 0.5, 1.5)
	micro := jitter / 4

	path := make([]wire.Point, steps)
	for i := 0; i < steps; i++ {
		p := float64(i) / float64(steps)
		eased := smoothstep(p)

		fn := offsets[order[int(p*float64(len(order)))%len(order)]]
		r := uniform(rng, 0.8, 1.2)
		t := p * 10 * timeFactor
		ox := fn(rng, t, r) * (1 - p) * scale
		oy := fn(rng, t+1, r*0.9) * (1 - p) * scale

		x := start[0] + dx*eased + ox
		y := start[1] + dy*eased + oy
		if i > 0 && i < steps-1 && micro > 0 {
			x += uniform(rng, -micro, micro)
			y += uniform(rng, -micro, micro)
		}
		path[i] = wire.Point{x, y}
	}
	path[steps-1] = end
	return path
}
