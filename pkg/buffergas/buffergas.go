// Package buffergas models the optical response a low-pressure buffer gas
// presents to X-ray photons inside an axion helioscope: an effective photon
// mass from the plasma frequency and an absorption coefficient from the
// photoabsorption cross section.  Both are derived from the gas name and its
// mass density; the vacuum case is the zero value of Spec and yields exactly
// zero dispersion, so callers can treat vacuum and gas through one code path.
package buffergas

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrUnknownGas reports a gas name with no registry entry.
	ErrUnknownGas = errors.New("unknown buffer gas")
	// ErrNonPhysicalDensity reports a named gas with density <= 0.
	ErrNonPhysicalDensity = errors.New("non-physical gas density")
)

// Spec selects the medium the photon travels through.  The zero value (empty
// Name) is vacuum and Density is ignored.  A non-empty Name must match a
// registry entry and carry Density > 0 in g/cm³.  A Spec is immutable for the
// whole of a mass scan.
type Spec struct {
	Name    string
	Density float64 // g/cm³; a value quoted in kg/mm³ is the same number times 1e6
}

// Vacuum returns the empty medium.  Equivalent to the zero value of Spec.
func Vacuum() Spec { return Spec{} }

// IsVacuum reports whether the spec selects the empty medium.
func (s Spec) IsVacuum() bool { return s.Name == "" }

func (s Spec) String() string {
	if s.IsVacuum() {
		return "vacuum"
	}
	return fmt.Sprintf("%s @ %.4g g/cm³", s.Name, s.Density)
}

// validate checks the invariants of a named gas.  Vacuum always passes.
func (s Spec) validate() (element, error) {
	if s.IsVacuum() {
		return element{}, nil
	}
	el, ok := registry[s.Name]
	if !ok {
		return element{}, fmt.Errorf("%w: %q", ErrUnknownGas, s.Name)
	}
	if s.Density <= 0 || math.IsNaN(s.Density) {
		return element{}, fmt.Errorf("%w: %s at %v g/cm³", ErrNonPhysicalDensity, s.Name, s.Density)
	}
	return el, nil
}

// Dispersion packages the photon response of a medium at one energy:
// the effective photon mass (eV) and the absorption coefficient Γ (1/mm).
// Vacuum is the zero value.
type Dispersion struct {
	PhotonMassEV float64
	AbsorptionMM float64
}

// plasmaMassConst converts sqrt(Z/A · ρ[g/cm³]) into the plasma frequency in
// eV.  Checks: helium at 3.59e-4 g/cm³ (the 13.4 mbar, 1.8 K helioscope
// setting) gives 0.385 eV; aluminium with its three conduction electrons
// gives the measured 15.8 eV plasmon.
const plasmaMassConst = 28.7701

// invMMtoEV converts an inverse length in 1/mm to eV (1 m = 5.0677307e6/eV).
const invMMtoEV = 1e3 / 5.0677307e6

// PhotonDispersion evaluates the medium response at photon energy eaKeV.
// Vacuum yields the zero Dispersion for any energy.  For a named gas the
// photon mass follows the plasma frequency of the fully ionisable electron
// density (the atomic form factor is flat at Z here: helium's K edge sits at
// 25 eV, three decades below the scanned energies) and the absorption follows
// the tabulated photoelectric plus Compton cross section.
func PhotonDispersion(s Spec, eaKeV float64) (Dispersion, error) {
	el, err := s.validate()
	if err != nil {
		return Dispersion{}, err
	}
	if s.IsVacuum() {
		return Dispersion{}, nil
	}
	if eaKeV <= 0 || math.IsNaN(eaKeV) {
		return Dispersion{}, fmt.Errorf("buffergas: non-positive photon energy %v keV", eaKeV)
	}
	gamma, err := el.absorptionMM(s.Density, eaKeV)
	if err != nil {
		return Dispersion{}, err
	}
	return Dispersion{
		PhotonMassEV: plasmaMassEV(el, s.Density),
		AbsorptionMM: gamma,
	}, nil
}

// PhotonMassSquared returns m_γ² − i·E_a·Γ in eV², the complex effective mass
// squared the conversion amplitude sees.  The real part is the squared plasma
// frequency; the imaginary part carries the absorption coefficient converted
// to natural units.
func PhotonMassSquared(s Spec, eaKeV float64) (complex128, error) {
	d, err := PhotonDispersion(s, eaKeV)
	if err != nil {
		return 0, err
	}
	m2 := d.PhotonMassEV * d.PhotonMassEV
	return complex(m2, -eaKeV*1e3*d.AbsorptionMM*invMMtoEV), nil
}

// PhotonMassEV returns the effective photon mass in eV.  It depends only on
// the gas and its density, not on the photon energy, which makes it the
// natural place to read off the coherence mass of a scan.
func PhotonMassEV(s Spec) (float64, error) {
	el, err := s.validate()
	if err != nil {
		return 0, err
	}
	if s.IsVacuum() {
		return 0, nil
	}
	return plasmaMassEV(el, s.Density), nil
}

// AbsorptionMM returns Γ in 1/mm at photon energy eaKeV: the tabulated mass
// attenuation μ/ρ (cm²/g) interpolated log-log, times density, over ten.
func AbsorptionMM(s Spec, eaKeV float64) (float64, error) {
	el, err := s.validate()
	if err != nil {
		return 0, err
	}
	if s.IsVacuum() {
		return 0, nil
	}
	if eaKeV <= 0 || math.IsNaN(eaKeV) {
		return 0, fmt.Errorf("buffergas: non-positive photon energy %v keV", eaKeV)
	}
	return el.absorptionMM(s.Density, eaKeV)
}

// Supported lists the registry gas names in sorted order, so scan banners and
// error messages stay stable between runs.
func Supported() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func plasmaMassEV(el element, density float64) float64 {
	return plasmaMassConst * math.Sqrt(el.Z/el.A*density)
}
