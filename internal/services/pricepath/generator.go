package pricepath

import (
	"math"
	"math/rand/v2"
)

const (
	bigNewsMinSteps = 20
	bigNewsMaxSteps = 50

	// shock spread multiplier at full ramp
	shockSpread = 4.0
)

// Params configures the per-step processes. Probabilities are per minute.
type Params struct {
	Volatility         float64
	JumpProbability    float64
	JumpSize           float64
	NewsProbability    float64
	NewsScale          float64
	NewsFadeSteps      int
	BigNewsProbability float64
	BigNewsDrift       float64
}

// DefaultParams returns the standard simulation parameters
func DefaultParams() Params {
	return Params{
		Volatility:         0.002,
		JumpProbability:    0.005,
		JumpSize:           0.03,
		NewsProbability:    0.01,
		NewsScale:          0.05,
		NewsFadeSteps:      10,
		BigNewsProbability: 0.3,
		BigNewsDrift:       -0.02,
	}
}

// Flags toggle the optional processes for one call
type Flags struct {
	Jumps   bool
	BigNews bool
}

// State carries news residuals across calls so an effect that starts late
// in one hour keeps fading in the next. The zero value is a quiet market.
type State struct {
	FadeLeft    int
	FadeImpulse float64
	ShockLeft   int
	ShockLen    int
}

// Active reports whether a news effect is still playing out
func (s State) Active() bool {
	return s.FadeLeft > 0 || s.ShockLeft > 0
}

// Path is one generated bucket
type Path struct {
	Prices []float64
	News   []float64 // signed news impulse applied at each step, 0 when none
}

// Generator produces per-minute price paths. Not safe for concurrent use:
// the random source is shared.
type Generator struct {
	params Params
	rnd    *rand.Rand
}

// NewGenerator creates a generator drawing from rnd
func NewGenerator(params Params, rnd *rand.Rand) *Generator {
	return &Generator{params: params, rnd: rnd}
}

// Generate walks steps minutes forward from prevClose. A zero price is
// terminal: every following output is zero.
func (g *Generator) Generate(prevClose float64, steps int, flags Flags, st *State) Path {
	if st == nil {
		st = &State{}
	}
	p := g.params

	path := Path{
		Prices: make([]float64, steps),
		News:   make([]float64, steps),
	}

	price := math.Max(prevClose, 0)
	for i := 0; i < steps; i++ {
		if price == 0 {
			continue
		}

		change := g.uniform(-p.Volatility, p.Volatility)

		if flags.Jumps && g.rnd.Float64() < p.JumpProbability {
			change += g.sign() * p.JumpSize
		}

		seeded := false
		if g.rnd.Float64() < p.NewsProbability {
			magnitude := p.NewsScale * (g.rnd.Float64() + g.rnd.Float64()) / 2
			impulse := g.sign() * magnitude
			change += impulse
			path.News[i] = impulse

			st.FadeLeft = p.NewsFadeSteps
			st.FadeImpulse = impulse
			seeded = true

			if flags.BigNews && st.ShockLeft == 0 && g.rnd.Float64() < p.BigNewsProbability {
				st.ShockLen = bigNewsMinSteps + g.rnd.IntN(bigNewsMaxSteps-bigNewsMinSteps+1)
				st.ShockLeft = st.ShockLen
			}
		}

		if !seeded && st.FadeLeft > 0 {
			change += g.fadeResidual(st)
			st.FadeLeft--
		}

		if st.ShockLeft > 0 {
			change += g.shockResidual(st)
			st.ShockLeft--
		}

		price = round2(price * (1 + change))
		if price <= 0 {
			price = 0
		}
		path.Prices[i] = price
	}

	if price == 0 {
		*st = State{}
	}
	return path
}

// fadeResidual applies a decaying share of the last impulse plus noise that
// widens as the effect ages.
func (g *Generator) fadeResidual(st *State) float64 {
	n := float64(g.params.NewsFadeSteps)
	if n <= 0 {
		return 0
	}
	elapsed := n - float64(st.FadeLeft) + 1
	decay := float64(st.FadeLeft) / n
	spread := math.Abs(st.FadeImpulse) * (elapsed / n) * 0.5
	return st.FadeImpulse*decay*0.2 + g.uniform(-spread, spread)
}

// shockResidual ramps variance as (k/n)^2 and pulls the centre toward the drift
func (g *Generator) shockResidual(st *State) float64 {
	n := float64(st.ShockLen)
	k := n - float64(st.ShockLeft) + 1
	ramp := (k / n) * (k / n)
	spread := g.params.Volatility * (1 + shockSpread*ramp)
	return g.params.BigNewsDrift*ramp + g.uniform(-spread, spread)
}

func (g *Generator) uniform(lo, hi float64) float64 {
	return lo + (hi-lo)*g.rnd.Float64()
}

func (g *Generator) sign() float64 {
	if g.rnd.IntN(2) == 0 {
		return -1
	}
	return 1
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
