// Package magneticfield holds the magnet field maps and the straight-line
// track sampler the conversion integral runs over.  A Map is a regular 3-D
// grid of field vectors in Tesla over a box in mm; a Track is one straight
// line clipped to that box, tightened to the region where the transverse
// field is worth integrating, and queried by arc length.
package magneticfield

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrUnknownMap reports a field-map name with no registry entry.
	ErrUnknownMap = errors.New("unknown field map")
	// ErrNonFiniteField reports NaN or Inf field values on the track.
	ErrNonFiniteField = errors.New("non-finite magnetic field")
	// ErrBadGeometry reports a track direction of zero length.
	ErrBadGeometry = errors.New("track direction has zero length")
)

// NegligibleTesla is the transverse-field threshold below which a stretch of
// track contributes nothing worth integrating.  Track bounds tighten to the
// first and last sample above it.
const NegligibleTesla = 1e-4

// Map is a regular grid of field vectors.  origin is the minimum corner in
// mm, spacing the node pitch per axis, and data holds nx·ny·nz vectors in
// x-major order.  Maps are read-only after construction and safe to share
// between concurrent integrator calls.
type Map struct {
	name    string
	origin  r3.Vec
	spacing r3.Vec
	nx      int
	ny      int
	nz      int
	data    []r3.Vec
}

// New builds a map from raw grid data.  The data length must equal
// nx·ny·nz with index (ix·ny + iy)·nz + iz, and every axis needs at least
// two nodes so trilinear interpolation has a cell to work with.
func New(name string, origin, spacing r3.Vec, nx, ny, nz int, data []r3.Vec) (*Map, error) {
	if nx < 2 || ny < 2 || nz < 2 {
		return nil, fmt.Errorf("field map %q: grid %dx%dx%d too small", name, nx, ny, nz)
	}
	if spacing.X <= 0 || spacing.Y <= 0 || spacing.Z <= 0 {
		return nil, fmt.Errorf("field map %q: non-positive spacing %v", name, spacing)
	}
	if len(data) != nx*ny*nz {
		return nil, fmt.Errorf("field map %q: %d vectors for a %dx%dx%d grid", name, len(data), nx, ny, nz)
	}
	return &Map{name: name, origin: origin, spacing: spacing, nx: nx, ny: ny, nz: nz, data: data}, nil
}

// Name returns the registry name of the map.
func (m *Map) Name() string { return m.name }

// Volume returns the box corners of the map in mm.
func (m *Map) Volume() (min, max r3.Vec) {
	max = r3.Vec{
		X: m.origin.X + float64(m.nx-1)*m.spacing.X,
		Y: m.origin.Y + float64(m.ny-1)*m.spacing.Y,
		Z: m.origin.Z + float64(m.nz-1)*m.spacing.Z,
	}
	return m.origin, max
}

func (m *Map) at(ix, iy, iz int) r3.Vec {
	return m.data[(ix*m.ny+iy)*m.nz+iz]
}

// At interpolates the field vector at point p (mm) trilinearly.  The second
// return is false outside the map volume, where the field is zero.
func (m *Map) At(p r3.Vec) (r3.Vec, bool) {
	fx := (p.X - m.origin.X) / m.spacing.X
	fy := (p.Y - m.origin.Y) / m.spacing.Y
	fz := (p.Z - m.origin.Z) / m.spacing.Z
	if fx < 0 || fy < 0 || fz < 0 || fx > float64(m.nx-1) || fy > float64(m.ny-1) || fz > float64(m.nz-1) {
		return r3.Vec{}, false
	}
	ix, tx := cellIndex(fx, m.nx)
	iy, ty := cellIndex(fy, m.ny)
	iz, tz := cellIndex(fz, m.nz)

	var sum r3.Vec
	for dx := 0; dx <= 1; dx++ {
		wx := 1 - tx
		if dx == 1 {
			wx = tx
		}
		for dy := 0; dy <= 1; dy++ {
			wy := 1 - ty
			if dy == 1 {
				wy = ty
			}
			for dz := 0; dz <= 1; dz++ {
				wz := 1 - tz
				if dz == 1 {
					wz = tz
				}
				sum = r3.Add(sum, r3.Scale(wx*wy*wz, m.at(ix+dx, iy+dy, iz+dz)))
			}
		}
	}
	return sum, true
}

// cellIndex splits a fractional grid coordinate into a cell index and the
// position inside that cell, keeping the last node inside the last cell.
func cellIndex(f float64, n int) (int, float64) {
	i := int(f)
	if i > n-2 {
		i = n - 2
	}
	return i, f - float64(i)
}

// Track is one straight line through a map.  Arc length ℓ is the signed
// distance in mm from the given origin along the unit direction; samples are
// pre-evaluated transverse magnitudes used for bounds tightening.  Tracks are
// read-only after SetTrack and safe to share.
type Track struct {
	m       *Map
	origin  r3.Vec
	dir     r3.Vec // unit
	l0, l1  float64
	samples []Sample
	empty   bool
}

// Sample is one pre-evaluated point of the transverse-field profile.
type Sample struct {
	L  float64 // mm along the track
	BT float64 // Tesla
}

// SetTrack clips the infinite line through origin along direction (neither
// needs to be normalised, and the line is taken in both senses) against the
// map volume, scans the transverse field along the clipped stretch, and
// tightens the bounds to where the field exceeds NegligibleTesla.  A line
// that misses the volume, or crosses only field-free space, yields an empty
// track; that is a valid result, not an error.  Non-finite field values on
// the track fail with ErrNonFiniteField.
func (m *Map) SetTrack(origin, direction r3.Vec) (*Track, error) {
	n := r3.Norm(direction)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return nil, fmt.Errorf("%w: %v", ErrBadGeometry, direction)
	}
	dir := r3.Scale(1/n, direction)

	tMin, tMax, hit := m.clipLine(origin, dir)
	if !hit {
		return &Track{m: m, origin: origin, dir: dir, empty: true}, nil
	}

	// Scan at half the finest grid pitch so tightening cannot skip a cell.
	pitch := math.Min(m.spacing.X, math.Min(m.spacing.Y, m.spacing.Z)) / 2
	steps := int(math.Ceil((tMax-tMin)/pitch)) + 1
	if steps < 2 {
		steps = 2
	}
	samples := make([]Sample, 0, steps)
	first, last := -1, -1
	for k := 0; k < steps; k++ {
		l := tMin + (tMax-tMin)*float64(k)/float64(steps-1)
		bt, b := transverseAt(m, origin, dir, l)
		if !finiteVec(b) {
			p := r3.Add(origin, r3.Scale(l, dir))
			return nil, fmt.Errorf("%w: map %q at %v mm", ErrNonFiniteField, m.name, p)
		}
		samples = append(samples, Sample{L: l, BT: bt})
		if bt > NegligibleTesla {
			if first < 0 {
				first = k
			}
			last = k
		}
	}
	if first < 0 {
		return &Track{m: m, origin: origin, dir: dir, empty: true}, nil
	}
	return &Track{
		m:       m,
		origin:  origin,
		dir:     dir,
		l0:      samples[first].L,
		l1:      samples[last].L,
		samples: samples[first : last+1],
	}, nil
}

// clipLine intersects the line origin + t·dir (t unbounded in both senses)
// with the map box using the slab method.
func (m *Map) clipLine(origin, dir r3.Vec) (tMin, tMax float64, hit bool) {
	lo, hi := m.Volume()
	tMin, tMax = math.Inf(-1), math.Inf(1)
	axes := [3][3]float64{
		{origin.X, dir.X, 0},
		{origin.Y, dir.Y, 0},
		{origin.Z, dir.Z, 0},
	}
	bounds := [3][2]float64{{lo.X, hi.X}, {lo.Y, hi.Y}, {lo.Z, hi.Z}}
	for i, ax := range axes {
		o, d := ax[0], ax[1]
		if d == 0 {
			if o < bounds[i][0] || o > bounds[i][1] {
				return 0, 0, false
			}
			continue
		}
		t0 := (bounds[i][0] - o) / d
		t1 := (bounds[i][1] - o) / d
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		tMin = math.Max(tMin, t0)
		tMax = math.Min(tMax, t1)
	}
	if tMin > tMax || math.IsInf(tMin, 0) || math.IsInf(tMax, 0) {
		return 0, 0, false
	}
	return tMin, tMax, true
}

// transverseAt evaluates |B − (B·d̂)d̂| at arc length l, the field component
// perpendicular to the track, and hands back the raw vector so SetTrack can
// vet finiteness.  Outside the volume both are zero.
func transverseAt(m *Map, origin, dir r3.Vec, l float64) (float64, r3.Vec) {
	p := r3.Add(origin, r3.Scale(l, dir))
	b, inside := m.At(p)
	if !inside {
		return 0, r3.Vec{}
	}
	par := r3.Dot(b, dir)
	perp2 := r3.Norm2(b) - par*par
	if perp2 < 0 {
		perp2 = 0
	}
	return math.Sqrt(perp2), b
}

func finiteVec(v r3.Vec) bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) &&
		!math.IsNaN(v.Y) && !math.IsInf(v.Y, 0) &&
		!math.IsNaN(v.Z) && !math.IsInf(v.Z, 0)
}

// Empty reports whether the track never meets usable field.
func (t *Track) Empty() bool { return t == nil || t.empty }

// Bounds returns the tightened arc-length window (ℓ₀, ℓ₁) in mm.  Empty
// tracks return (0, 0).
func (t *Track) Bounds() (l0, l1 float64) {
	if t.Empty() {
		return 0, 0
	}
	return t.l0, t.l1
}

// Length returns ℓ₁ − ℓ₀ in mm.
func (t *Track) Length() float64 {
	l0, l1 := t.Bounds()
	return l1 - l0
}

// Direction returns the unit direction of the track.
func (t *Track) Direction() r3.Vec { return t.dir }

// Samples returns the pre-evaluated transverse profile inside the bounds.
// The slice is shared; callers must not modify it.
func (t *Track) Samples() []Sample {
	if t.Empty() {
		return nil
	}
	return t.samples
}

// TransverseAt returns the transverse field magnitude in Tesla at arc length
// l, interpolated trilinearly on the underlying grid.  Outside the tightened
// window [ℓ₀, ℓ₁] the line has left the volume or the field sits below
// NegligibleTesla, so the query returns 0 rather than extrapolating; callers
// wanting the usable window ask Bounds first.
func (t *Track) TransverseAt(l float64) float64 {
	if t.Empty() || l < t.l0 || l > t.l1 {
		return 0
	}
	bt, _ := transverseAt(t.m, t.origin, t.dir, l)
	return bt
}
