package magneticfield

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/spatial/r3"
)

// TestLookup resolves both builtin bore maps, caches them, and rejects a
// name nobody registered.
func TestLookup(t *testing.T) {
	for _, name := range []string{"babyIAXO_2024", "babyIAXO_2024_cutoff"} {
		m, err := Lookup(name)
		if err != nil {
			t.Fatalf("Lookup(%q): %v", name, err)
		}
		if m.Name() != name {
			t.Fatalf("Lookup(%q).Name() = %q", name, m.Name())
		}
		again, err := Lookup(name)
		if err != nil || again != m {
			t.Fatalf("Lookup(%q) not cached: %p vs %p (err %v)", name, again, m, err)
		}
	}
	if _, err := Lookup("noSuchMagnet"); !errors.Is(err, ErrUnknownMap) {
		t.Fatalf("Lookup(noSuchMagnet) err = %v, want ErrUnknownMap", err)
	}
}

// TestUnknownLookupReturnsPromptly drives the unknown-name branch from a
// goroutine: the error must come back at once with the known names listed,
// not sit on the registry lock while building that list.
func TestUnknownLookupReturnsPromptly(t *testing.T) {
	done := make(chan error, 1)
	go func() {
		_, err := Lookup("noSuchMagnet")
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrUnknownMap) {
			t.Fatalf("Lookup(noSuchMagnet) err = %v, want ErrUnknownMap", err)
		}
		if !strings.Contains(err.Error(), "babyIAXO_2024") {
			t.Fatalf("error %q does not name the resolvable maps", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Lookup(noSuchMagnet) never returned: registry lock held across Names")
	}
	if names := Names(); len(names) < 2 {
		t.Fatalf("Names() = %v, want the builtin bores", names)
	}
}

// TestTrilinearMidpoint checks the interpolation on a hand-built 2x2x2 cell:
// the cell centre must carry the mean of the eight corners.
func TestTrilinearMidpoint(t *testing.T) {
	t.Parallel()

	data := make([]r3.Vec, 8)
	var sum float64
	for i := range data {
		data[i] = r3.Vec{X: float64(i + 1)}
		sum += float64(i + 1)
	}
	m, err := New("cell", r3.Vec{}, r3.Vec{X: 10, Y: 10, Z: 10}, 2, 2, 2, data)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, inside := m.At(r3.Vec{X: 5, Y: 5, Z: 5})
	if !inside {
		t.Fatal("centre reported outside")
	}
	if math.Abs(b.X-sum/8) > 1e-12 {
		t.Fatalf("centre = %v, want %v", b.X, sum/8)
	}
	if _, inside := m.At(r3.Vec{X: -1, Y: 5, Z: 5}); inside {
		t.Fatal("point left of the box reported inside")
	}
}

// TestUniformTrack runs a line through the constant map and expects the
// bounds to be exactly the geometric overlap with a flat profile inside.
func TestUniformTrack(t *testing.T) {
	t.Parallel()

	m := Uniform(r3.Vec{X: 1}, 10000)
	tr, err := m.SetTrack(r3.Vec{Z: -2000}, r3.Vec{Z: 5})
	if err != nil {
		t.Fatalf("SetTrack: %v", err)
	}
	if tr.Empty() {
		t.Fatal("track through the volume came back empty")
	}
	l0, l1 := tr.Bounds()
	if math.Abs(l0-2000) > 1 || math.Abs(l1-12000) > 1 {
		t.Fatalf("Bounds() = (%v, %v), want (2000, 12000)", l0, l1)
	}
	if bt := tr.TransverseAt((l0 + l1) / 2); math.Abs(bt-1) > 1e-9 {
		t.Fatalf("TransverseAt(mid) = %v, want 1", bt)
	}
	if bt := tr.TransverseAt(l0 - 100); bt != 0 {
		t.Fatalf("TransverseAt before entry = %v, want 0", bt)
	}
	if bt := tr.TransverseAt(l1 + 100); bt != 0 {
		t.Fatalf("TransverseAt past exit = %v, want 0", bt)
	}
}

// TestTrackProfileAccessors pins the remaining track surface: Direction
// comes back unit length however the caller scaled it, and Samples spans
// exactly the tightened window with usable field at both edges.
func TestTrackProfileAccessors(t *testing.T) {
	t.Parallel()

	m := Uniform(r3.Vec{X: 1}, 10000)
	tr, err := m.SetTrack(r3.Vec{Z: -2000}, r3.Vec{Z: 5})
	if err != nil {
		t.Fatalf("SetTrack: %v", err)
	}
	if d := tr.Direction(); math.Abs(r3.Norm(d)-1) > 1e-12 || d.Z <= 0 {
		t.Fatalf("Direction() = %v, want unit +z", d)
	}
	samples := tr.Samples()
	if len(samples) < 2 {
		t.Fatalf("Samples() returned %d points", len(samples))
	}
	l0, l1 := tr.Bounds()
	if samples[0].L != l0 || samples[len(samples)-1].L != l1 {
		t.Fatalf("sample window (%v, %v) does not match Bounds() (%v, %v)",
			samples[0].L, samples[len(samples)-1].L, l0, l1)
	}
	for i := 1; i < len(samples); i++ {
		if samples[i].L <= samples[i-1].L {
			t.Fatalf("sample arc lengths not increasing at %d", i)
		}
	}
	if samples[0].BT <= NegligibleTesla || samples[len(samples)-1].BT <= NegligibleTesla {
		t.Fatalf("window edges carry no field: %v, %v",
			samples[0].BT, samples[len(samples)-1].BT)
	}
	// The window boundary itself is queryable; just before it is not.
	if bt := tr.TransverseAt(l0); math.Abs(bt-samples[0].BT) > 1e-12 {
		t.Fatalf("TransverseAt(l0) = %v, want the edge sample %v", bt, samples[0].BT)
	}
	if bt := tr.TransverseAt(l0 - 1e-9); bt != 0 {
		t.Fatalf("TransverseAt just before the window = %v, want 0", bt)
	}

	miss, err := m.SetTrack(r3.Vec{X: 1000, Z: -500}, r3.Vec{Z: 1})
	if err != nil {
		t.Fatalf("SetTrack(miss): %v", err)
	}
	if miss.Samples() != nil {
		t.Fatal("empty track returned samples")
	}
}

// TestTrackMiss and a field aligned with the track both have to produce an
// empty track: nothing transverse to integrate is a result, not a failure.
func TestTrackMiss(t *testing.T) {
	t.Parallel()

	m := Uniform(r3.Vec{X: 1}, 10000)
	tr, err := m.SetTrack(r3.Vec{X: 1000, Z: -500}, r3.Vec{Z: 1})
	if err != nil {
		t.Fatalf("SetTrack(miss): %v", err)
	}
	if !tr.Empty() {
		t.Fatal("line outside the box produced a non-empty track")
	}
	if l0, l1 := tr.Bounds(); l0 != 0 || l1 != 0 {
		t.Fatalf("empty Bounds() = (%v, %v), want (0, 0)", l0, l1)
	}

	axial := Uniform(r3.Vec{Z: 2}, 10000)
	tr, err = axial.SetTrack(r3.Vec{Z: -500}, r3.Vec{Z: 1})
	if err != nil {
		t.Fatalf("SetTrack(axial field): %v", err)
	}
	if !tr.Empty() {
		t.Fatal("field parallel to the track left a transverse component")
	}

	if _, err := m.SetTrack(r3.Vec{}, r3.Vec{}); !errors.Is(err, ErrBadGeometry) {
		t.Fatalf("zero direction err = %v, want ErrBadGeometry", err)
	}
}

// TestBoreProfile walks the 2024 bore on axis: peak at the centre, half
// field where the cos² roll-off predicts it, nothing at the ends.
func TestBoreProfile(t *testing.T) {
	m, err := Lookup("babyIAXO_2024")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	tr, err := m.SetTrack(r3.Vec{Z: -10000}, r3.Vec{Z: 1})
	if err != nil {
		t.Fatalf("SetTrack: %v", err)
	}
	at := func(z float64) float64 { return tr.TransverseAt(z + 10000) }

	if bt := at(0); math.Abs(bt-2.0) > 1e-3 {
		t.Fatalf("B_T(0) = %v, want 2.0", bt)
	}
	// cos²(45°) = 1/2 of the peak at z = flat + falloff/2.
	if bt := at(4500); math.Abs(bt-1.0) > 2e-3 {
		t.Fatalf("B_T(4500) = %v, want 1.0", bt)
	}
	l0, l1 := tr.Bounds()
	if l0 > 4100 || l1 < 15900 {
		t.Fatalf("Bounds() = (%v, %v), want to span the 12 m bore", l0, l1)
	}
	if bt := at(4500); bt <= at(5500) {
		t.Fatalf("roll-off not decreasing: B_T(4500)=%v <= B_T(5500)=%v", bt, at(5500))
	}
}

// TestDiagonalLineClipsBothSenses sends the end-capped map the diagonal
// geometry whose direction points away from the magnet: SetTrack clips the
// full line, so the track enters on the negative arc-length side and still
// crosses the axis at full field.
func TestDiagonalLineClipsBothSenses(t *testing.T) {
	cut, err := Lookup("babyIAXO_2024_cutoff")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	tr, err := cut.SetTrack(r3.Vec{X: -5, Y: 5, Z: -9000}, r3.Vec{X: -10, Y: 10, Z: -18000})
	if err != nil {
		t.Fatalf("SetTrack: %v", err)
	}
	if tr.Empty() {
		t.Fatal("diagonal line reported empty")
	}
	l0, l1 := tr.Bounds()
	if l0 >= l1 || l1 > 0 {
		t.Fatalf("Bounds() = (%v, %v), want a negative window with l0 < l1", l0, l1)
	}
	// The line passes through (0,0,0) at ℓ = -9000·|d|/18000 ≈ -9000.
	if bt := tr.TransverseAt(-9000); math.Abs(bt-2.0) > 5e-3 {
		t.Fatalf("B_T at axis crossing = %v, want 2.0", bt)
	}

	plain, err := Lookup("babyIAXO_2024")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	full, err := plain.SetTrack(r3.Vec{X: -5, Y: 5, Z: -9000}, r3.Vec{X: -10, Y: 10, Z: -18000})
	if err != nil {
		t.Fatalf("SetTrack: %v", err)
	}
	if cutLen, fullLen := tr.Length(), full.Length(); cutLen >= fullLen-1500 {
		t.Fatalf("cutoff track %v mm vs full %v mm, want visibly shorter", cutLen, fullLen)
	}
}

// TestNonFiniteField plants a NaN inside a map and expects SetTrack to
// refuse the track instead of carrying the NaN into the integral.
func TestNonFiniteField(t *testing.T) {
	t.Parallel()

	data := constantGrid(r3.Vec{X: 1}, 3*3*3)
	data[13] = r3.Vec{X: math.NaN()}
	m, err := New("broken", r3.Vec{X: -500, Y: -500, Z: 0}, r3.Vec{X: 500, Y: 500, Z: 500}, 3, 3, 3, data)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.SetTrack(r3.Vec{}, r3.Vec{Z: 1}); !errors.Is(err, ErrNonFiniteField) {
		t.Fatalf("SetTrack err = %v, want ErrNonFiniteField", err)
	}
}

// TestLoadConfig round-trips a fields file: the map it defines becomes
// resolvable and the gas presets come back as written.
func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fields.yaml")
	doc := `fields:
  - name: lab_dipole
    half_x: 200
    half_y: 200
    z_min: -1000
    z_max: 1000
    spacing_xy: 50
    spacing_z: 100
    peak_tesla: 1.5
    flat_mm: 600
    falloff_mm: 400
gases:
  - name: He
    density: 2.6e-5
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	want := []GasPreset{{Name: "He", Density: 2.6e-5}}
	if diff := cmp.Diff(want, cfg.Gases); diff != "" {
		t.Fatalf("gas presets mismatch (-want +got):\n%s", diff)
	}
	m, err := Lookup("lab_dipole")
	if err != nil {
		t.Fatalf("Lookup(lab_dipole): %v", err)
	}
	tr, err := m.SetTrack(r3.Vec{Z: -2000}, r3.Vec{Z: 1})
	if err != nil {
		t.Fatalf("SetTrack: %v", err)
	}
	if bt := tr.TransverseAt(2000); math.Abs(bt-1.5) > 1e-3 {
		t.Fatalf("configured map B_T(centre) = %v, want 1.5", bt)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("LoadConfig(missing) succeeded, want error")
	}
}
