// Package transmission evaluates the axion-to-photon conversion probability
// along one magnet track.  The amplitude is the oscillatory line integral
//
//	A = ∫ B_T(ℓ) · exp(i·q·(ℓ−ℓ₀) − (Γ/2)·(ℓ₁−ℓ)) dℓ
//
// with q the axion-photon momentum mismatch set by the axion mass, the
// effective photon mass of the buffer gas and the axion energy, and Γ the
// photon absorption of the gas.  P = |coupling·A/2|².  Each call is a pure
// function of its inputs: the track and the gas spec are borrowed read-only,
// nothing is retained, and concurrent calls may share both.
package transmission

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"axion-gas-scan/pkg/buffergas"
	"axion-gas-scan/pkg/magneticfield"
)

// ErrInvalidEnergy reports an axion energy at or below zero.
var ErrInvalidEnergy = errors.New("non-positive axion energy")

// invMMPerEV converts a momentum in eV to an inverse length in 1/mm
// (1 m = 5.0677307e6/eV).
const invMMPerEV = 5.0677307e6 / 1e3

// mmPerM folds the Tesla·mm amplitude into Tesla·metre, the unit the
// coupling is quoted against.
const mmPerM = 1000.0

// Options carries the recognised integrator knobs.  The zero value of a
// field selects its default, so Options{} is the standard configuration.
type Options struct {
	// StepMM is the coarse integration step along the track in mm.
	// Default 100.
	StepMM float64
	// SamplesPerStep sub-samples the oscillatory phase inside one step;
	// values above one are rounded up to even so the composite Simpson
	// rule applies.  A value of exactly one switches that step pattern to
	// the midpoint rule and inflates the error bound accordingly.
	// Default 20.
	SamplesPerStep int
	// Coupling is the axion-photon coupling g_aγ in 1/(Tesla·metre), the
	// normalisation that makes P dimensionless.  Default 0.1; callers with
	// a physical coupling in 1/GeV multiply by 9.8998e8 (Tesla·metre in
	// natural units) themselves.
	Coupling float64
}

func (o Options) withDefaults() Options {
	if o.StepMM <= 0 {
		o.StepMM = 100
	}
	if o.SamplesPerStep <= 0 {
		o.SamplesPerStep = 20
	}
	if o.Coupling == 0 {
		o.Coupling = 0.1
	}
	return o
}

// Result is one integrator answer: the conversion probability and the
// numerical error bound on it.  The bound comes from comparing the amplitude
// against its half-density re-integration, so it tracks the truncation error
// of the quadrature, not counting statistics.
type Result struct {
	P     float64
	Sigma float64
}

// Probability computes the conversion probability for one axion mass.
//
// eaKeV is the axion energy in keV and must be positive.  massEV is the axion
// mass in eV; negative values are accepted and enter through m², so the
// result is even in the mass.  An empty track returns (0, 0) without error:
// a line that misses the magnet converts nothing.  Gas errors surface
// unchanged from the registry.
func Probability(eaKeV, massEV float64, gas buffergas.Spec, track *magneticfield.Track, opt Options) (Result, error) {
	if eaKeV <= 0 || math.IsNaN(eaKeV) {
		return Result{}, fmt.Errorf("%w: E_a = %v keV", ErrInvalidEnergy, eaKeV)
	}
	disp, err := buffergas.PhotonDispersion(gas, eaKeV)
	if err != nil {
		return Result{}, err
	}
	if track.Empty() {
		return Result{}, nil
	}
	o := opt.withDefaults()

	// Momentum mismatch in 1/mm.  The dispersion is uniform along the
	// track (one gas fills the whole bore), so q is a constant here.
	eaEV := eaKeV * 1e3
	q := (massEV*massEV - disp.PhotonMassEV*disp.PhotonMassEV) / (2 * eaEV) * invMMPerEV
	gamma := disp.AbsorptionMM

	l0, l1 := track.Bounds()
	length := l1 - l0
	nSteps := int(math.Ceil(length / o.StepMM))
	if nSteps < 1 {
		nSteps = 1
	}
	h := length / float64(nSteps)

	n := o.SamplesPerStep
	midpointOnly := n == 1
	if !midpointOnly && n%2 == 1 {
		n++
	}

	var amp, ampHalf complex128 // Tesla·mm
	var midMag float64          // Σ|midpoint contributions|, Tesla·mm
	var values []complex128
	if !midpointOnly {
		values = make([]complex128, n+1)
	}
	for s := 0; s < nSteps; s++ {
		a := l0 + float64(s)*h
		if midpointOnly {
			c := integrand(track, a+h/2, l0, l1, q, gamma) * complex(h, 0)
			amp += c
			ampHalf += c
			midMag += cmplx.Abs(c)
			continue
		}
		w := h / float64(n)
		for k := 0; k <= n; k++ {
			values[k] = integrand(track, a+float64(k)*w, l0, l1, q, gamma)
		}
		amp += simpson(values, w)
		ampHalf += coarser(values, w)
	}

	absA := cmplx.Abs(amp) / mmPerM
	absDiff := cmplx.Abs(amp-ampHalf) / mmPerM
	midTm := midMag / mmPerM
	halfC := o.Coupling / 2

	p := halfC * halfC * absA * absA
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return Result{}, fmt.Errorf("transmission: non-finite probability at m_a = %v eV", massEV)
	}
	// Richardson bound from the half-density amplitude, plus the bound
	// |A|² − |A−c|² ≤ 2|A||c| + |c|² for every step that fell back to the
	// midpoint rule.
	sigma := halfC * halfC * (2*absA*absDiff + 2*absA*midTm + midTm*midTm)
	if hi := 1 - p; sigma > hi {
		sigma = math.Max(0, hi)
	}
	return Result{P: p, Sigma: sigma}, nil
}

// integrand evaluates B_T(ℓ)·exp(iΦ − (Γ/2)(ℓ₁−ℓ)).  The phase Φ = q·(ℓ−ℓ₀)
// is reduced modulo 2π before exponentiation; at q ~ 1e-2/mm and ℓ ~ 1e4 mm
// the raw phase reaches hundreds of radians, where sin/cos of the unreduced
// argument would shed precision.
func integrand(track *magneticfield.Track, l, l0, l1, q, gamma float64) complex128 {
	bt := track.TransverseAt(l)
	if bt == 0 {
		return 0
	}
	phase := math.Mod(q*(l-l0), 2*math.Pi)
	return complex(bt, 0) * cmplx.Exp(complex(-gamma/2*(l1-l), phase))
}

// simpson integrates tabulated values over an even number of intervals with
// node pitch w.
func simpson(v []complex128, w float64) complex128 {
	n := len(v) - 1
	sum := v[0] + v[n]
	for k := 1; k < n; k++ {
		if k%2 == 1 {
			sum += 4 * v[k]
		} else {
			sum += 2 * v[k]
		}
	}
	return sum * complex(w/3, 0)
}

// trapezoid integrates tabulated values with node pitch w.
func trapezoid(v []complex128, w float64) complex128 {
	sum := (v[0] + v[len(v)-1]) / 2
	for k := 1; k < len(v)-1; k++ {
		sum += v[k]
	}
	return sum * complex(w, 0)
}

// coarser re-integrates every other node of one step, giving the
// half-density amplitude the error bound compares against.  Simpson where
// the halved interval count stays even, trapezoid where it does not.
func coarser(v []complex128, w float64) complex128 {
	n := len(v) - 1
	half := make([]complex128, 0, n/2+1)
	for k := 0; k <= n; k += 2 {
		half = append(half, v[k])
	}
	if hn := len(half) - 1; hn >= 2 && hn%2 == 0 {
		return simpson(half, 2*w)
	}
	return trapezoid(half, 2*w)
}
