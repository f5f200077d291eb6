// Package massscan sweeps the conversion probability over a grid of axion
// masses, once per (field map, gas) combination.  Worker goroutines fill
// pre-allocated result slots, so the emitted series are mass-ordered and
// bit-identical however the scheduler interleaves them; the integrator calls
// themselves share nothing mutable.
package massscan

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"axion-gas-scan/pkg/buffergas"
	"axion-gas-scan/pkg/magneticfield"
	"axion-gas-scan/pkg/transmission"
)

// Grid returns the n scan masses m_i + k·(m_f−m_i)/n for k = 0…n−1:
// lower-inclusive, upper-exclusive.  Equal bounds give n copies of the lower
// bound, which is how a fixed-mass repeat run is expressed.
func Grid(miEV, mfEV float64, n int) []float64 {
	if n < 1 {
		return nil
	}
	g := make([]float64, n)
	step := (mfEV - miEV) / float64(n)
	for k := range g {
		g[k] = miEV + float64(k)*step
	}
	return g
}

// Point is one recorded scan result.  ElapsedMS is the wall-clock cost of
// the integrator call and Warning marks results whose error bound exceeds
// the configured fraction of P; neither feeds back into the numerics.
type Point struct {
	MassEV    float64
	P         float64
	Sigma     float64
	ElapsedMS float64
	Warning   bool
}

// Series is the mass-ordered result stream of one (field, gas) pair.
type Series struct {
	Field  string
	Gas    buffergas.Spec
	Points []Point
}

// Key names a series the way logs and the live stream refer to it.
func (s Series) Key() string { return s.Field + "/" + s.Gas.String() }

// Stats condenses a series for summary lines and the monitor page.
type Stats struct {
	MeanP     float64
	MeanSigma float64
	MeanMS    float64
	PeakMass  float64
	PeakP     float64
	Warnings  int
}

// Summarize reduces a series with plain means plus the location of the
// probability maximum.
func Summarize(s Series) Stats {
	if len(s.Points) == 0 {
		return Stats{}
	}
	ps := make([]float64, len(s.Points))
	sigmas := make([]float64, len(s.Points))
	ms := make([]float64, len(s.Points))
	st := Stats{PeakP: -1}
	for i, p := range s.Points {
		ps[i], sigmas[i], ms[i] = p.P, p.Sigma, p.ElapsedMS
		if p.P > st.PeakP {
			st.PeakP, st.PeakMass = p.P, p.MassEV
		}
		if p.Warning {
			st.Warnings++
		}
	}
	st.MeanP = stat.Mean(ps, nil)
	st.MeanSigma = stat.Mean(sigmas, nil)
	st.MeanMS = stat.Mean(ms, nil)
	return st
}

// Scanner drives one full scan.  Fields and Gases set the series order;
// the driver puts vacuum first so plots and archives stay comparable
// between runs.
type Scanner struct {
	Fields    []*magneticfield.Map
	Origin    r3.Vec
	Direction r3.Vec
	Gases     []buffergas.Spec

	EnergyKeV  float64
	MassFromEV float64
	MassToEV   float64
	Points     int

	Options transmission.Options
	// Workers bounds the concurrent integrator calls; values below one
	// mean one task at a time.
	Workers int
	// WarnFraction is the σ/P ratio past which a point carries Warning.
	// Zero means the default 0.1.
	WarnFraction float64
	// Observe, when set, sees every completed point as soon as its slot is
	// filled, in whatever order the workers finish.  It must be safe for
	// concurrent use.
	Observe func(field string, gas buffergas.Spec, p Point)
}

// Run executes the cross-product scan and returns one series per
// (field, gas) pair, fields outermost, masses strictly increasing inside
// each series.  The first integrator failure cancels the remaining work and
// surfaces with its (field, gas, mass) coordinates attached.
func (sc *Scanner) Run(ctx context.Context) ([]Series, error) {
	if sc.Points < 1 {
		return nil, fmt.Errorf("massscan: need at least one scan point, have %d", sc.Points)
	}
	if sc.MassToEV < sc.MassFromEV {
		return nil, fmt.Errorf("massscan: inverted mass range [%v, %v]", sc.MassFromEV, sc.MassToEV)
	}
	if len(sc.Fields) == 0 || len(sc.Gases) == 0 {
		return nil, fmt.Errorf("massscan: nothing to scan (%d fields, %d gases)", len(sc.Fields), len(sc.Gases))
	}
	if sc.MassFromEV < 0 || sc.MassToEV < 0 {
		log.Printf("massscan: negative axion mass bound [%v, %v] eV; the curve is even in the mass", sc.MassFromEV, sc.MassToEV)
	}
	warnFrac := sc.WarnFraction
	if warnFrac <= 0 {
		warnFrac = 0.1
	}

	grid := Grid(sc.MassFromEV, sc.MassToEV, sc.Points)

	// One track per field, built up front and then only read.
	tracks := make([]*magneticfield.Track, len(sc.Fields))
	for i, f := range sc.Fields {
		tr, err := f.SetTrack(sc.Origin, sc.Direction)
		if err != nil {
			return nil, fmt.Errorf("massscan: field %s: %w", f.Name(), err)
		}
		tracks[i] = tr
	}

	series := make([]Series, 0, len(sc.Fields)*len(sc.Gases))
	for _, f := range sc.Fields {
		for _, gas := range sc.Gases {
			series = append(series, Series{
				Field:  f.Name(),
				Gas:    gas,
				Points: make([]Point, len(grid)),
			})
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	if sc.Workers > 0 {
		g.SetLimit(sc.Workers)
	} else {
		g.SetLimit(1)
	}
	for fi := range sc.Fields {
		for gi := range sc.Gases {
			si := fi*len(sc.Gases) + gi
			track := tracks[fi]
			gas := sc.Gases[gi]
			for mi, mass := range grid {
				si, mi, mass := si, mi, mass
				g.Go(func() error {
					if err := ctx.Err(); err != nil {
						return err
					}
					start := time.Now()
					res, err := transmission.Probability(sc.EnergyKeV, mass, gas, track, sc.Options)
					if err != nil {
						return fmt.Errorf("%s at m_a = %g eV: %w", series[si].Key(), mass, err)
					}
					p := Point{
						MassEV:    mass,
						P:         res.P,
						Sigma:     res.Sigma,
						ElapsedMS: time.Since(start).Seconds() * 1e3,
						Warning:   res.Sigma > warnFrac*res.P,
					}
					series[si].Points[mi] = p
					if sc.Observe != nil {
						sc.Observe(series[si].Field, gas, p)
					}
					return nil
				})
			}
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return series, nil
}
