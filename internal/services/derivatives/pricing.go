package derivatives

import (
	"math"

	"marketsim/internal/domain/market"
)

// Pricer prices futures and options off the spot series. Time to expiry is
// measured in rate units: HoursPerRateUnit simulated hours per unit of r.
type Pricer struct {
	hoursPerRateUnit float64
	volatility       float64 // per-minute
}

// NewPricer creates a pricer. volatility is the per-minute spot volatility.
func NewPricer(hoursPerRateUnit, volatility float64) *Pricer {
	if hoursPerRateUnit <= 0 {
		hoursPerRateUnit = 24
	}
	return &Pricer{hoursPerRateUnit: hoursPerRateUnit, volatility: volatility}
}

// TimeToExpiry converts a countdown in hours at the start of the bucket
// into rate units remaining at minute
func (p *Pricer) TimeToExpiry(countdown, minute int) float64 {
	hours := float64(countdown) - float64(minute)/float64(market.MinutesPerBucket)
	return hours / p.hoursPerRateUnit
}

// Sigma scales the per-minute volatility to one rate unit
func (p *Pricer) Sigma() float64 {
	return p.volatility * math.Sqrt(p.hoursPerRateUnit*float64(market.MinutesPerBucket))
}

// PriceBucket prices every minute of a spot bucket. countdown is the
// expiration countdown in force for this bucket.
func (p *Pricer) PriceBucket(spot []float64, rate float64, futuresCountdown, optionsCountdown int, lattice market.StrikeLattice) ([]float64, []market.OptionQuote) {
	sigma := p.Sigma()
	futures := make([]float64, len(spot))
	options := make([]market.OptionQuote, len(spot))

	for minute, s := range spot {
		futures[minute] = round2(FuturesPrice(s, rate, p.TimeToExpiry(futuresCountdown, minute)))

		t := p.TimeToExpiry(optionsCountdown, minute)
		quote := market.OptionQuote{
			Call: make([]float64, len(lattice)),
			Put:  make([]float64, len(lattice)),
		}
		for i, strike := range lattice {
			call, put := BlackScholes(s, strike, rate, sigma, t)
			quote.Call[i] = round2(call)
			quote.Put[i] = round2(put)
		}
		options[minute] = quote
	}

	return futures, options
}

// FuturesPrice is the cost-of-carry price spot * (1 + r)^t
func FuturesPrice(spot, rate, t float64) float64 {
	if t <= 0 {
		return spot
	}
	return spot * math.Pow(1+rate, t)
}

// BlackScholes prices a European call and put. rate is the simple per-unit
// rate; discounting uses (1+r)^-t so put-call parity matches the futures
// carry exactly.
func BlackScholes(spot, strike, rate, sigma, t float64) (call, put float64) {
	if t <= 0 {
		return math.Max(spot-strike, 0), math.Max(strike-spot, 0)
	}

	discount := math.Pow(1+rate, -t)
	pvStrike := strike * discount

	switch {
	case strike <= 0:
		// always exercised
		return spot - pvStrike, 0
	case spot <= 0:
		return 0, pvStrike
	}

	vol := sigma * math.Sqrt(t)
	if vol == 0 {
		return math.Max(spot-pvStrike, 0), math.Max(pvStrike-spot, 0)
	}

	r := math.Log(1 + rate)
	d1 := (math.Log(spot/strike) + (r+0.5*sigma*sigma)*t) / vol
	d2 := d1 - vol

	call = spot*normCdf(d1) - pvStrike*normCdf(d2)
	put = pvStrike*normCdf(-d2) - spot*normCdf(-d1)
	return call, put
}

// normCdf is the standard normal cumulative distribution function
func normCdf(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
