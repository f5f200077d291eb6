package buffergas

import (
	"fmt"
	"math"
)

// element carries the per-gas atomic data: nuclear charge, mean atomic mass,
// and the total photon mass-attenuation grid (photoelectric + Compton) in
// cm²/g over keV.  Grids must be sorted by energy.
type element struct {
	Z           float64
	A           float64
	attenuation []attPoint
}

type attPoint struct {
	keV     float64
	cm2PerG float64
}

// registry holds the supported buffer gases.  Helium is the species the
// helioscope phase-2 programme actually fills the bores with; adding a gas
// means adding its attenuation grid here.
var registry = map[string]element{
	"He": {
		Z: 2,
		A: 4.002602,
		// NIST total attenuation for helium, 1–20 keV.
		attenuation: []attPoint{
			{1.0, 6.084e+01},
			{1.5, 1.676e+01},
			{2.0, 6.863e+00},
			{3.0, 2.007e+00},
			{4.0, 9.329e-01},
			{5.0, 5.766e-01},
			{6.0, 4.195e-01},
			{8.0, 2.933e-01},
			{10.0, 2.476e-01},
			{15.0, 2.092e-01},
			{20.0, 1.960e-01},
		},
	},
}

// absorptionMM interpolates μ/ρ log-log on the element grid and converts to
// Γ in 1/mm for the given density in g/cm³.  Energies outside the grid
// extrapolate along the nearest segment; cross sections vary as power laws
// there, so the log-log segment is the right shape.
func (el element) absorptionMM(density, eaKeV float64) (float64, error) {
	grid := el.attenuation
	if len(grid) < 2 {
		return 0, fmt.Errorf("buffergas: attenuation grid for Z=%v has %d points", el.Z, len(grid))
	}
	// Locate the segment [i, i+1] bracketing eaKeV; clamp to end segments.
	i := 0
	for i < len(grid)-2 && grid[i+1].keV < eaKeV {
		i++
	}
	x0, y0 := math.Log(grid[i].keV), math.Log(grid[i].cm2PerG)
	x1, y1 := math.Log(grid[i+1].keV), math.Log(grid[i+1].cm2PerG)
	t := (math.Log(eaKeV) - x0) / (x1 - x0)
	muOverRho := math.Exp(y0 + t*(y1-y0))
	// cm²/g × g/cm³ = 1/cm; 1/cm = 0.1/mm.
	return muOverRho * density / 10, nil
}
