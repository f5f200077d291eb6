package buffergas

import (
	"errors"
	"math"
	"testing"
)

// TestPhotonMassHelium pins the plasma-frequency constant against two known
// helium settings: the 13.4 mbar / 1.8 K helioscope phase (0.385 eV) and the
// default scan density used by the driver (0.1037 eV).  A drift here would
// silently shift every coherence peak.
func TestPhotonMassHelium(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		density float64
		want    float64
	}{
		{name: "helioscope phase density", density: 3.59e-4, want: 0.3853},
		{name: "default scan density", density: 2.6e-5, want: 0.10370},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := PhotonMassEV(Spec{Name: "He", Density: tc.density})
			if err != nil {
				t.Fatalf("PhotonMassEV: %v", err)
			}
			if math.Abs(got-tc.want)/tc.want > 1e-3 {
				t.Fatalf("PhotonMassEV(He @ %v) = %v, want %v", tc.density, got, tc.want)
			}
		})
	}
}

// TestAbsorptionHelium checks the attenuation grid at a node, between nodes,
// and under extrapolation, so the log-log interpolation cannot quietly turn
// into a linear one.
func TestAbsorptionHelium(t *testing.T) {
	t.Parallel()

	const density = 2.6e-5
	he := Spec{Name: "He", Density: density}

	// Exactly on a grid node: 4 keV carries 9.329e-1 cm²/g.
	got, err := AbsorptionMM(he, 4.0)
	if err != nil {
		t.Fatalf("AbsorptionMM(4 keV): %v", err)
	}
	want := 9.329e-1 * density / 10
	if math.Abs(got-want)/want > 1e-9 {
		t.Fatalf("AbsorptionMM(4 keV) = %v, want %v", got, want)
	}

	// Between nodes the value must sit strictly between the neighbours.
	mid, err := AbsorptionMM(he, 4.2)
	if err != nil {
		t.Fatalf("AbsorptionMM(4.2 keV): %v", err)
	}
	lo := 5.766e-1 * density / 10
	hi := 9.329e-1 * density / 10
	if mid <= lo || mid >= hi {
		t.Fatalf("AbsorptionMM(4.2 keV) = %v, want inside (%v, %v)", mid, lo, hi)
	}

	// Below the grid the photoelectric power law keeps climbing.
	under, err := AbsorptionMM(he, 0.8)
	if err != nil {
		t.Fatalf("AbsorptionMM(0.8 keV): %v", err)
	}
	first, _ := AbsorptionMM(he, 1.0)
	if under <= first {
		t.Fatalf("AbsorptionMM(0.8 keV) = %v, want above grid head %v", under, first)
	}

	// The cross section falls monotonically across the tabulated band.
	prev := math.Inf(1)
	for _, e := range []float64{1, 2, 3, 4, 5, 6, 8, 10, 15, 20} {
		g, err := AbsorptionMM(he, e)
		if err != nil {
			t.Fatalf("AbsorptionMM(%v keV): %v", e, err)
		}
		if g >= prev {
			t.Fatalf("AbsorptionMM not decreasing at %v keV: %v >= %v", e, g, prev)
		}
		prev = g
	}
}

// TestVacuumIsZeroValue verifies that the vacuum constructor, the zero value
// and the dispersion they produce are all identical, which is what lets the
// integrator treat vacuum as a gas with exactly zero response.
func TestVacuumIsZeroValue(t *testing.T) {
	t.Parallel()

	if Vacuum() != (Spec{}) {
		t.Fatalf("Vacuum() = %+v, want zero value", Vacuum())
	}
	d, err := PhotonDispersion(Vacuum(), 4.2)
	if err != nil {
		t.Fatalf("PhotonDispersion(vacuum): %v", err)
	}
	if d != (Dispersion{}) {
		t.Fatalf("PhotonDispersion(vacuum) = %+v, want zero", d)
	}
	m2, err := PhotonMassSquared(Spec{}, 4.2)
	if err != nil {
		t.Fatalf("PhotonMassSquared(vacuum): %v", err)
	}
	if m2 != 0 {
		t.Fatalf("PhotonMassSquared(vacuum) = %v, want 0", m2)
	}
}

// TestSpecErrors covers the two registry failure modes: a gas that does not
// exist and a density that cannot.
func TestSpecErrors(t *testing.T) {
	t.Parallel()

	if _, err := PhotonDispersion(Spec{Name: "Ar", Density: 1e-4}, 4.2); !errors.Is(err, ErrUnknownGas) {
		t.Fatalf("argon: err = %v, want ErrUnknownGas", err)
	}
	for _, d := range []float64{0, -2.6e-5, math.NaN()} {
		if _, err := PhotonDispersion(Spec{Name: "He", Density: d}, 4.2); !errors.Is(err, ErrNonPhysicalDensity) {
			t.Fatalf("He @ %v: err = %v, want ErrNonPhysicalDensity", d, err)
		}
	}
}

// TestPhotonMassSquaredSign makes sure absorption enters as a negative
// imaginary part, the sign the conversion amplitude decays with.
func TestPhotonMassSquaredSign(t *testing.T) {
	t.Parallel()

	m2, err := PhotonMassSquared(Spec{Name: "He", Density: 2.6e-5}, 4.2)
	if err != nil {
		t.Fatalf("PhotonMassSquared: %v", err)
	}
	if real(m2) <= 0 {
		t.Fatalf("real(m²) = %v, want > 0", real(m2))
	}
	if imag(m2) >= 0 {
		t.Fatalf("imag(m²) = %v, want < 0", imag(m2))
	}
}

func TestSupported(t *testing.T) {
	t.Parallel()

	names := Supported()
	found := false
	for _, n := range names {
		if n == "He" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Supported() = %v, want to include He", names)
	}
}
