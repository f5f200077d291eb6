package magneticfield

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"
)

// DipoleParams describes one parametrically generated magnet map: a box of
// ±HalfX × ±HalfY mm around the axis over [ZMin, ZMax] mm, a peak transverse
// field, a flat core of ±FlatMM, a cos² roll-off of FalloffMM beyond it, and
// an optional hard cutoff that zeroes the field past ±CutoffMM.  This is the
// shape solenoid-bore maps for helioscope studies come in.
type DipoleParams struct {
	HalfX     float64 `yaml:"half_x"`
	HalfY     float64 `yaml:"half_y"`
	ZMin      float64 `yaml:"z_min"`
	ZMax      float64 `yaml:"z_max"`
	SpacingXY float64 `yaml:"spacing_xy"`
	SpacingZ  float64 `yaml:"spacing_z"`
	PeakTesla float64 `yaml:"peak_tesla"`
	FlatMM    float64 `yaml:"flat_mm"`
	FalloffMM float64 `yaml:"falloff_mm"`
	CutoffMM  float64 `yaml:"cutoff_mm"`
}

// babyIAXOParams is the 2024 conceptual-design bore: 70 cm wide, 12 m long,
// 2 T peak with a 3 m flat core rolling off over the final 3 m.
var babyIAXOParams = DipoleParams{
	HalfX:     350,
	HalfY:     350,
	ZMin:      -6000,
	ZMax:      6000,
	SpacingXY: 50,
	SpacingZ:  100,
	PeakTesla: 2.0,
	FlatMM:    3000,
	FalloffMM: 3000,
}

// builtins maps registry names to their generators.  The cutoff variant
// truncates the tail at ±5 m, the shape end-capped measurement maps have.
var builtins = map[string]func() (*Map, error){
	"babyIAXO_2024": func() (*Map, error) {
		return Generate("babyIAXO_2024", babyIAXOParams)
	},
	"babyIAXO_2024_cutoff": func() (*Map, error) {
		p := babyIAXOParams
		p.CutoffMM = 5000
		return Generate("babyIAXO_2024_cutoff", p)
	},
}

var (
	cacheMu sync.Mutex
	cache   = map[string]*Map{}
)

// Lookup resolves a map name against registered builtins and configured
// maps.  Generated maps are cached, so repeated lookups share one grid.
func Lookup(name string) (*Map, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if m, ok := cache[name]; ok {
		return m, nil
	}
	gen, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrUnknownMap, name, namesLocked())
	}
	m, err := gen()
	if err != nil {
		return nil, err
	}
	cache[name] = m
	return m, nil
}

// Register adds a named generated map, as the fields config does at startup.
// Registering over a builtin name shadows it.
func Register(name string, p DipoleParams) error {
	m, err := Generate(name, p)
	if err != nil {
		return err
	}
	cacheMu.Lock()
	cache[name] = m
	cacheMu.Unlock()
	return nil
}

// Names lists every resolvable map name in sorted order.
func Names() []string {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	return namesLocked()
}

// namesLocked merges builtin and cached names.  The caller holds cacheMu;
// Lookup reports them from inside its own critical section, where calling
// Names would block on the non-reentrant lock.
func namesLocked() []string {
	seen := map[string]bool{}
	for n := range builtins {
		seen[n] = true
	}
	for n := range cache {
		seen[n] = true
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Generate evaluates the dipole profile on a regular grid.  The transverse
// field lives in x with a small z-dependent y admixture; the radial profile
// is flat to 70% of the bore and rolls to zero at the wall.
func Generate(name string, p DipoleParams) (*Map, error) {
	if p.HalfX <= 0 || p.HalfY <= 0 || p.ZMax <= p.ZMin {
		return nil, fmt.Errorf("field map %q: degenerate extent %+v", name, p)
	}
	if p.SpacingXY <= 0 || p.SpacingZ <= 0 {
		return nil, fmt.Errorf("field map %q: non-positive spacing", name)
	}
	nx := int(math.Round(2*p.HalfX/p.SpacingXY)) + 1
	ny := int(math.Round(2*p.HalfY/p.SpacingXY)) + 1
	nz := int(math.Round((p.ZMax-p.ZMin)/p.SpacingZ)) + 1
	origin := r3.Vec{X: -p.HalfX, Y: -p.HalfY, Z: p.ZMin}
	spacing := r3.Vec{X: p.SpacingXY, Y: p.SpacingXY, Z: p.SpacingZ}
	bore := math.Min(p.HalfX, p.HalfY)

	data := make([]r3.Vec, 0, nx*ny*nz)
	for ix := 0; ix < nx; ix++ {
		x := origin.X + float64(ix)*spacing.X
		for iy := 0; iy < ny; iy++ {
			y := origin.Y + float64(iy)*spacing.Y
			rad := radialProfile(math.Hypot(x, y), bore)
			for iz := 0; iz < nz; iz++ {
				z := origin.Z + float64(iz)*spacing.Z
				ax := p.axialProfile(z)
				b := p.PeakTesla * ax * rad
				admix := 0.0
				if p.ZMax > 0 {
					admix = 0.02 * b * math.Sin(math.Pi*z/p.ZMax)
				}
				data = append(data, r3.Vec{X: b, Y: admix})
			}
		}
	}
	return New(name, origin, spacing, nx, ny, nz, data)
}

// axialProfile is 1 on the flat core, cos² over the roll-off, 0 beyond, with
// the hard cutoff applied last.
func (p DipoleParams) axialProfile(z float64) float64 {
	az := math.Abs(z)
	if p.CutoffMM > 0 && az > p.CutoffMM {
		return 0
	}
	switch {
	case az <= p.FlatMM:
		return 1
	case p.FalloffMM <= 0 || az >= p.FlatMM+p.FalloffMM:
		return 0
	default:
		c := math.Cos(math.Pi / 2 * (az - p.FlatMM) / p.FalloffMM)
		return c * c
	}
}

func radialProfile(r, bore float64) float64 {
	plateau := 0.7 * bore
	switch {
	case r <= plateau:
		return 1
	case r >= bore:
		return 0
	default:
		c := math.Cos(math.Pi / 2 * (r - plateau) / (bore - plateau))
		return c * c
	}
}

// Uniform builds a constant-field box: ±500 mm around the axis over
// [0, lengthMM], field b everywhere inside.  Analytic cross-checks of the
// conversion integral are run against it.
func Uniform(b r3.Vec, lengthMM float64) *Map {
	nz := 5
	m, err := New("uniform",
		r3.Vec{X: -500, Y: -500, Z: 0},
		r3.Vec{X: 500, Y: 500, Z: lengthMM / float64(nz-1)},
		3, 3, nz,
		constantGrid(b, 3*3*nz))
	if err != nil {
		panic(err)
	}
	return m
}

func constantGrid(b r3.Vec, n int) []r3.Vec {
	grid := make([]r3.Vec, n)
	for i := range grid {
		grid[i] = b
	}
	return grid
}
