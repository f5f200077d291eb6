package massscan

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gonum.org/v1/gonum/spatial/r3"

	"axion-gas-scan/pkg/buffergas"
	"axion-gas-scan/pkg/magneticfield"
	"axion-gas-scan/pkg/transmission"
)

// TestGrid pins the mass-grid semantics: lower bound in, upper bound out,
// and a degenerate range repeating the lower bound.
func TestGrid(t *testing.T) {
	t.Parallel()

	if diff := cmp.Diff([]float64{0, 0.25, 0.5, 0.75}, Grid(0, 1, 4)); diff != "" {
		t.Fatalf("Grid(0,1,4) mismatch (-want +got):\n%s", diff)
	}
	g := Grid(0, 0.2, 100)
	if len(g) != 100 || g[0] != 0 {
		t.Fatalf("Grid(0,0.2,100): len %d first %v", len(g), g[0])
	}
	for i, m := range g {
		if m >= 0.2 {
			t.Fatalf("grid point %d = %v reached the excluded upper bound", i, m)
		}
		if i > 0 && m <= g[i-1] {
			t.Fatalf("grid not strictly increasing at %d: %v after %v", i, m, g[i-1])
		}
	}
	if diff := cmp.Diff([]float64{0.05, 0.05, 0.05}, Grid(0.05, 0.05, 3)); diff != "" {
		t.Fatalf("degenerate grid mismatch (-want +got):\n%s", diff)
	}
	if Grid(0, 1, 0) != nil {
		t.Fatal("Grid with n=0 should be nil")
	}
}

func boreScanner(t *testing.T, field string, gases []buffergas.Spec, n int, from, to float64) *Scanner {
	t.Helper()
	m, err := magneticfield.Lookup(field)
	if err != nil {
		t.Fatalf("Lookup(%q): %v", field, err)
	}
	return &Scanner{
		Fields:     []*magneticfield.Map{m},
		Origin:     r3.Vec{Z: -10000},
		Direction:  r3.Vec{Z: 1},
		Gases:      gases,
		EnergyKeV:  4.2,
		MassFromEV: from,
		MassToEV:   to,
		Points:     n,
		Workers:    4,
	}
}

// TestConstantFieldRepeat runs five points of a degenerate mass range over
// the constant map: every record must carry the analytic P = 0.25, and all
// five must be the same bits.
func TestConstantFieldRepeat(t *testing.T) {
	t.Parallel()

	sc := &Scanner{
		Fields:     []*magneticfield.Map{magneticfield.Uniform(r3.Vec{X: 1}, 10000)},
		Origin:     r3.Vec{},
		Direction:  r3.Vec{Z: 1},
		Gases:      []buffergas.Spec{buffergas.Vacuum()},
		EnergyKeV:  4.2,
		MassFromEV: 0,
		MassToEV:   0,
		Points:     5,
		Workers:    3,
	}
	series, err := sc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(series) != 1 || len(series[0].Points) != 5 {
		t.Fatalf("got %d series / %d points, want 1 / 5", len(series), len(series[0].Points))
	}
	for i, p := range series[0].Points {
		if math.Abs(p.P-0.25)/0.25 > 1e-6 {
			t.Fatalf("point %d: P = %v, want 0.25 within 1e-6 relative", i, p.P)
		}
		if p.P != series[0].Points[0].P || p.Sigma != series[0].Points[0].Sigma {
			t.Fatalf("point %d differs in bits from point 0", i)
		}
		if p.ElapsedMS < 0 {
			t.Fatalf("point %d: negative wall time %v", i, p.ElapsedMS)
		}
	}
}

// TestVacuumBoreScan is the vacuum sweep over the 12 m bore: coherence at
// zero mass, decoherence at the top of the range, and a lobe envelope that
// only comes down once the first null is passed.
func TestVacuumBoreScan(t *testing.T) {
	sc := boreScanner(t, "babyIAXO_2024", []buffergas.Spec{buffergas.Vacuum()}, 100, 0, 0.2)
	series, err := sc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	pts := series[0].Points
	if len(pts) != 100 {
		t.Fatalf("got %d points, want 100", len(pts))
	}
	for i, p := range pts {
		if p.P < 0 || p.P > 1 {
			t.Fatalf("P out of [0,1] at %d: %v", i, p.P)
		}
		if p.Sigma < 0 {
			t.Fatalf("negative sigma at %d: %v", i, p.Sigma)
		}
	}
	for i := 1; i < len(pts); i++ {
		if pts[i].MassEV <= pts[i-1].MassEV {
			t.Fatalf("masses not strictly increasing at %d", i)
		}
	}
	if pts[0].P <= pts[len(pts)-1].P {
		t.Fatalf("P(0) = %v not above P(0.198) = %v", pts[0].P, pts[len(pts)-1].P)
	}

	// Past the first null the lobe envelope decays; compare quartile maxima
	// of the tail.
	first := -1
	for i, p := range pts {
		if p.P < pts[0].P/20 {
			first = i
			break
		}
	}
	if first < 0 {
		t.Fatal("no null found: the curve never dropped below 5% of its peak")
	}
	tail := pts[first:]
	quarter := len(tail) / 4
	prevMax := math.Inf(1)
	for q := 0; q < 4; q++ {
		lo, hi := q*quarter, (q+1)*quarter
		if q == 3 {
			hi = len(tail)
		}
		qMax := 0.0
		for _, p := range tail[lo:hi] {
			qMax = math.Max(qMax, p.P)
		}
		if qMax > prevMax {
			t.Fatalf("tail envelope rose in quartile %d: %v after %v", q, qMax, prevMax)
		}
		prevMax = qMax
	}
}

// TestGasCoherenceScan runs vacuum and helium side by side: somewhere in the
// scan the gas curve must beat vacuum by at least a factor of two, which is
// the whole point of filling the bore.
func TestGasCoherenceScan(t *testing.T) {
	gases := []buffergas.Spec{buffergas.Vacuum(), {Name: "He", Density: 2.6e-5}}
	sc := boreScanner(t, "babyIAXO_2024", gases, 100, 0, 0.2)
	series, err := sc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(series) != 2 {
		t.Fatalf("got %d series, want 2", len(series))
	}
	if !series[0].Gas.IsVacuum() || series[1].Gas.Name != "He" {
		t.Fatalf("series order %q, %q, want vacuum then He", series[0].Key(), series[1].Key())
	}
	restored := 0
	for i := range series[0].Points {
		if series[1].Points[i].P >= 2*series[0].Points[i].P && series[1].Points[i].P > 0 {
			restored++
		}
	}
	if restored == 0 {
		t.Fatal("helium never restored coherence over vacuum")
	}
}

// TestDiagonalCutoffScan sends the off-axis line through the end-capped map
// at one mass: it must complete, and the error bound must stay within a
// tenth of the value.
func TestDiagonalCutoffScan(t *testing.T) {
	m, err := magneticfield.Lookup("babyIAXO_2024_cutoff")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	sc := &Scanner{
		Fields:     []*magneticfield.Map{m},
		Origin:     r3.Vec{X: -5, Y: 5, Z: -9000},
		Direction:  r3.Vec{X: -10, Y: 10, Z: -18000},
		Gases:      []buffergas.Spec{buffergas.Vacuum()},
		EnergyKeV:  4.2,
		MassFromEV: 0.05,
		MassToEV:   0.05,
		Points:     1,
		Workers:    1,
	}
	series, err := sc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	p := series[0].Points[0]
	if p.P <= 0 {
		t.Fatalf("P = %v, want > 0 on the clipped line", p.P)
	}
	if p.Sigma/p.P > 0.1 {
		t.Fatalf("σ/P = %v, want ≤ 0.1 at m_a = 0.05 eV", p.Sigma/p.P)
	}
	if p.Warning {
		t.Fatal("point carries a numerical warning it should not need")
	}
}

// TestScanFailures covers the fatal inputs: a negative energy and a gas the
// registry refuses must abort the scan with the matching sentinel.
func TestScanFailures(t *testing.T) {
	sc := boreScanner(t, "babyIAXO_2024", []buffergas.Spec{buffergas.Vacuum()}, 1, 0, 0.2)
	sc.EnergyKeV = -1
	if _, err := sc.Run(context.Background()); !errors.Is(err, transmission.ErrInvalidEnergy) {
		t.Fatalf("negative energy err = %v, want ErrInvalidEnergy", err)
	}

	sc = boreScanner(t, "babyIAXO_2024", []buffergas.Spec{{Name: "Ar", Density: 1e-4}}, 1, 0, 0.2)
	if _, err := sc.Run(context.Background()); !errors.Is(err, buffergas.ErrUnknownGas) {
		t.Fatalf("argon err = %v, want ErrUnknownGas", err)
	}

	sc = boreScanner(t, "babyIAXO_2024", []buffergas.Spec{buffergas.Vacuum()}, 0, 0, 0.2)
	if _, err := sc.Run(context.Background()); err == nil {
		t.Fatal("zero points accepted, want error")
	}

	sc = boreScanner(t, "babyIAXO_2024", []buffergas.Spec{buffergas.Vacuum()}, 10, 0.2, 0.1)
	if _, err := sc.Run(context.Background()); err == nil {
		t.Fatal("inverted mass range accepted, want error")
	}
}

// TestDeterminismAcrossWorkers reruns the same scan serial and parallel.
// Slots make the ordering structural, so everything except the wall clock
// has to agree bit for bit.
func TestDeterminismAcrossWorkers(t *testing.T) {
	gases := []buffergas.Spec{buffergas.Vacuum(), {Name: "He", Density: 2.6e-5}}

	serial := boreScanner(t, "babyIAXO_2024", gases, 40, 0, 0.2)
	serial.Workers = 1
	a, err := serial.Run(context.Background())
	if err != nil {
		t.Fatalf("serial Run: %v", err)
	}

	parallel := boreScanner(t, "babyIAXO_2024", gases, 40, 0, 0.2)
	parallel.Workers = 8
	b, err := parallel.Run(context.Background())
	if err != nil {
		t.Fatalf("parallel Run: %v", err)
	}

	if diff := cmp.Diff(a, b, cmpopts.IgnoreFields(Point{}, "ElapsedMS")); diff != "" {
		t.Fatalf("worker count changed the numbers (-serial +parallel):\n%s", diff)
	}
}

// TestObserve counts the live callbacks: one per point, concurrent-safe.
func TestObserve(t *testing.T) {
	var seen atomic.Int64
	sc := boreScanner(t, "babyIAXO_2024", []buffergas.Spec{buffergas.Vacuum()}, 25, 0, 0.1)
	sc.Observe = func(field string, gas buffergas.Spec, p Point) {
		if field != "babyIAXO_2024" || !gas.IsVacuum() {
			t.Errorf("Observe(%q, %v)", field, gas)
		}
		seen.Add(1)
	}
	if _, err := sc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if seen.Load() != 25 {
		t.Fatalf("observed %d points, want 25", seen.Load())
	}
}

// TestSummarize reduces a hand-built series and checks the means and the
// peak location against values small enough to verify by eye.
func TestSummarize(t *testing.T) {
	t.Parallel()

	s := Series{
		Field: "babyIAXO_2024",
		Gas:   buffergas.Vacuum(),
		Points: []Point{
			{MassEV: 0.0, P: 0.2, Sigma: 0.01, ElapsedMS: 2},
			{MassEV: 0.1, P: 0.6, Sigma: 0.03, ElapsedMS: 4, Warning: true},
			{MassEV: 0.2, P: 0.1, Sigma: 0.02, ElapsedMS: 6},
		},
	}
	st := Summarize(s)
	if math.Abs(st.MeanP-0.3) > 1e-12 || math.Abs(st.MeanSigma-0.02) > 1e-12 || math.Abs(st.MeanMS-4) > 1e-12 {
		t.Fatalf("means = %+v, want 0.3 / 0.02 / 4", st)
	}
	if st.PeakMass != 0.1 || st.PeakP != 0.6 || st.Warnings != 1 {
		t.Fatalf("peak/warnings = %+v, want peak 0.6 at 0.1 with 1 warning", st)
	}
	if got := (Series{}); Summarize(got) != (Stats{}) {
		t.Fatal("empty series should summarise to the zero Stats")
	}
}
