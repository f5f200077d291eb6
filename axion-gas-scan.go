package main

import (
	"context"
	"embed"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"axion-gas-scan/pkg/buffergas"
	"axion-gas-scan/pkg/magneticfield"
	"axion-gas-scan/pkg/massscan"
	"axion-gas-scan/pkg/plot"
	"axion-gas-scan/pkg/scanarchive"
	"axion-gas-scan/pkg/scanlog"
	"axion-gas-scan/pkg/scanstream"
	"axion-gas-scan/pkg/transmission"
)

//go:embed public_html/*
var content embed.FS

var nData = flag.Int("nData", 100, "Number of axion mass points in the scan grid")
var ea = flag.Float64("Ea", 4.2, "Axion energy in keV")
var mi = flag.Float64("mi", 0, "Lower axion mass bound in eV (inclusive)")
var mf = flag.Float64("mf", 0.2, "Upper axion mass bound in eV (exclusive), must be above -mi")
var useLogScale = flag.Bool("useLogScale", false, "Plot probability on a log axis")
var gasName = flag.String("gas", "He", "Buffer gas element symbol")
var gasDensity = flag.Float64("density", 2.6e-5, "Buffer gas density in g/cm³")
var fieldList = flag.String("field", "babyIAXO_2024", "Comma-separated magnetic field map names")
var fieldsConfig = flag.String("fields-config", "", "YAML file with extra field maps and gas presets")
var coupling = flag.Float64("coupling", 0.1, "Effective axion-photon coupling in (T·m)⁻¹")
var stepMM = flag.Float64("step-mm", 100, "Integration step along the track in mm")
var samplesPerStep = flag.Int("samples-per-step", 20, "Quadrature samples per integration step")
var warnFraction = flag.Float64("warn-fraction", 0.1, "Flag points whose σ exceeds this fraction of P")
var originFlag = flag.String("origin", "0,0,-10000", "Track origin in mm as x,y,z")
var directionFlag = flag.String("direction", "0,0,1", "Track direction as x,y,z (normalised internally)")
var workers = flag.Int("workers", runtime.NumCPU(), "Parallel probability evaluations")
var dbType = flag.String("db-type", "sqlite", "Archive backend: sqlite, genji, duckdb, pgx, or off")
var dbPath = flag.String("db-path", "", "Path to the archive file (sqlite, genji, duckdb)")
var dbDSN = flag.String("db-dsn", "", "PostgreSQL DSN (pgx backend)")
var serve = flag.Bool("serve", false, "Keep running and serve the live monitor page")
var port = flag.Int("port", 8765, "Port for the monitor server")
var domain = flag.String("domain", "", "Use 80 and 443 ports. Automatic HTTPS cert via Let's Encrypt.")
var outDir = flag.String("out", "GasAnalysis", "Directory for plots and tables")
var version = flag.Bool("version", false, "Show the application version")

var CompileVersion = "dev"

// seriesLabel names one curve on the plots and in the archive.
func seriesLabel(gas buffergas.Spec) string { return gas.String() }

// parseVec3 reads "x,y,z" flag values into a vector.
func parseVec3(s string) (r3.Vec, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return r3.Vec{}, fmt.Errorf("want x,y,z, got %q", s)
	}
	var out [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return r3.Vec{}, fmt.Errorf("component %d of %q: %w", i, s, err)
		}
		out[i] = v
	}
	return r3.Vec{X: out[0], Y: out[1], Z: out[2]}, nil
}

func main() {
	// 1. Flags and version
	flag.Parse()

	if *version {
		fmt.Printf("axion-gas-scan version %s\n", CompileVersion)
		return
	}

	// 2. Privilege warning for :80 / :443
	if *domain != "" && runtime.GOOS != "windows" && os.Geteuid() != 0 {
		log.Println("⚠  Binding to :80 / :443 requires super-user rights; run with sudo or as root.")
	}

	// 3. Validate the scan request before touching anything heavy
	if *nData < 1 {
		log.Fatalf("-nData must be at least 1, got %d", *nData)
	}
	if *ea <= 0 {
		log.Fatalf("-Ea must be positive, got %g", *ea)
	}
	if !(*mf > *mi) {
		log.Fatalf("-mf (%g) must be above -mi (%g)", *mf, *mi)
	}

	origin, err := parseVec3(*originFlag)
	if err != nil {
		log.Fatalf("-origin: %v", err)
	}
	direction, err := parseVec3(*directionFlag)
	if err != nil {
		log.Fatalf("-direction: %v", err)
	}

	gases := []buffergas.Spec{buffergas.Vacuum()}
	if *gasName != "" && !strings.EqualFold(*gasName, "vacuum") {
		spec := buffergas.Spec{Name: *gasName, Density: *gasDensity}
		if _, err := buffergas.PhotonMassEV(spec); err != nil {
			log.Fatalf("gas: %v (supported: %s)", err, strings.Join(buffergas.Supported(), ", "))
		}
		gases = append(gases, spec)
	}

	if *fieldsConfig != "" {
		cfg, err := magneticfield.LoadConfig(*fieldsConfig)
		if err != nil {
			log.Fatalf("fields config: %v", err)
		}
		for _, preset := range cfg.Gases {
			spec := buffergas.Spec{Name: preset.Name, Density: preset.Density}
			if _, err := buffergas.PhotonMassEV(spec); err != nil {
				log.Fatalf("fields config gas preset: %v", err)
			}
			gases = append(gases, spec)
		}
	}
	// Duplicate gas specs would collide on the series key.
	seenGas := map[string]bool{}
	uniqueGases := gases[:0]
	for _, g := range gases {
		if label := seriesLabel(g); !seenGas[label] {
			seenGas[label] = true
			uniqueGases = append(uniqueGases, g)
		}
	}
	gases = uniqueGases

	var fields []*magneticfield.Map
	seenField := map[string]bool{}
	for _, name := range strings.Split(*fieldList, ",") {
		name = strings.TrimSpace(name)
		if name == "" || seenField[name] {
			continue
		}
		seenField[name] = true
		m, err := magneticfield.Lookup(name)
		if err != nil {
			log.Fatalf("field: %v", err)
		}
		fields = append(fields, m)
	}
	if len(fields) == 0 {
		log.Fatalf("-field lists no maps")
	}

	// 4. Archive backend (optional)
	archive, err := scanarchive.New(scanarchive.Config{
		DBType: *dbType,
		DBPath: *dbPath,
		DBConn: *dbDSN,
		Port:   *port,
	})
	switch {
	case errors.Is(err, scanarchive.ErrDisabled):
		archive = nil
	case err != nil:
		log.Fatalf("archive: %v", err)
	default:
		if err := archive.InitSchema(); err != nil {
			log.Fatalf("archive schema: %v", err)
		}
	}

	// 5. Live monitor, started before the scan so clients can watch it run
	bus := scanstream.NewBus(256)
	results := newResultStore()
	if *serve || *domain != "" {
		startMonitor(bus, results, archive)
	}

	// 6. The scan itself
	scanStart := time.Now()
	total := *nData

	scanner := massscan.Scanner{
		Fields:       fields,
		Origin:       origin,
		Direction:    direction,
		Gases:        gases,
		EnergyKeV:    *ea,
		MassFromEV:   *mi,
		MassToEV:     *mf,
		Points:       total,
		Workers:      *workers,
		WarnFraction: *warnFraction,
		Options: transmission.Options{
			StepMM:         *stepMM,
			SamplesPerStep: *samplesPerStep,
			Coupling:       *coupling,
		},
		Observe: func(field string, gas buffergas.Spec, p massscan.Point) {
			key := field + "/" + seriesLabel(gas)
			scanlog.Append(key, fmt.Sprintf("[%s] m_a = %-10.5g P = %-12.5g σ = %-12.5g %6.2f ms",
				key, p.MassEV, p.P, p.Sigma, p.ElapsedMS))
			done := results.add(key, p)
			bus.Publish(scanstream.Update{
				Field: field,
				Gas:   seriesLabel(gas),
				Done:  done,
				Total: total,
				Point: p,
			})
		},
	}

	var keys []string
	for _, f := range fields {
		for _, g := range gases {
			key := f.Name() + "/" + seriesLabel(g)
			keys = append(keys, key)
			scanlog.Begin(key)
		}
	}

	series, err := scanner.Run(context.Background())
	if err != nil {
		for _, key := range keys {
			scanlog.FlushError(key, err)
		}
		scanlog.Sync()
		log.Fatalf("scan: %v", err)
	}

	// 7. Summaries, plots, tables, archive
	for _, s := range series {
		stats := massscan.Summarize(s)
		scanlog.Success(s.Key(), fmt.Sprintf("%d points, mean P %.4g, peak P %.4g at m_a = %.5g eV, %d warnings",
			len(s.Points), stats.MeanP, stats.PeakP, stats.PeakMass, stats.Warnings))
		results.finish(s)

		if archive != nil {
			saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			id, err := archive.Save(saveCtx, archiveScan(s, stats, scanStart), archivePoints(s))
			cancel()
			if err != nil {
				log.Printf("archive save %s: %v", s.Key(), err)
			} else {
				log.Printf("archived %s as scan %d", s.Key(), id)
			}
		}
	}
	scanlog.Sync()

	for _, f := range fields {
		writeFieldOutputs(f.Name(), series)
	}

	log.Printf("scan finished in %.1f s, outputs in %s", time.Since(scanStart).Seconds(), *outDir)

	// 8. Keep the monitor alive when asked to
	if *serve || *domain != "" {
		select {}
	}
}

// archiveScan flattens one finished series into an archive row.
func archiveScan(s massscan.Series, stats massscan.Stats, start time.Time) scanarchive.Scan {
	return scanarchive.Scan{
		StartedAt:      start.Unix(),
		Field:          s.Field,
		Gas:            seriesLabel(s.Gas),
		EnergyKeV:      *ea,
		MassFromEV:     *mi,
		MassToEV:       *mf,
		Points:         len(s.Points),
		StepMM:         *stepMM,
		SamplesPerStep: *samplesPerStep,
		Coupling:       *coupling,
		MeanP:          stats.MeanP,
		PeakP:          stats.PeakP,
		PeakMassEV:     stats.PeakMass,
		Warnings:       stats.Warnings,
	}
}

func archivePoints(s massscan.Series) []scanarchive.PointRow {
	rows := make([]scanarchive.PointRow, 0, len(s.Points))
	for _, p := range s.Points {
		rows = append(rows, scanarchive.PointRow{
			MassEV:    p.MassEV,
			P:         p.P,
			Sigma:     p.Sigma,
			ElapsedMS: p.ElapsedMS,
			Warning:   p.Warning,
		})
	}
	return rows
}

// writeFieldOutputs renders the probability and runtime figures for one
// field plus a plain-text table of every series.  Failures here are
// logged and skipped: the scan numbers are already archived and a full
// disk should not turn a finished scan into a failed run.
func writeFieldOutputs(field string, series []massscan.Series) {
	var probLines, timeLines []plot.Line
	for i, s := range series {
		if s.Field != field {
			continue
		}
		col := plot.Palette[i%len(plot.Palette)]
		label := seriesLabel(s.Gas)

		probPts := make([]plot.Point, 0, len(s.Points))
		timePts := make([]plot.Point, 0, len(s.Points))
		for _, p := range s.Points {
			probPts = append(probPts, plot.Point{X: p.MassEV, Y: p.P, Err: p.Sigma})
			timePts = append(timePts, plot.Point{X: p.MassEV, Y: p.ElapsedMS})
		}
		probLines = append(probLines, plot.Line{Label: label, Color: col, Points: probPts, ErrorBars: true})
		timeLines = append(timeLines, plot.Line{Label: label, Color: col, Points: timePts})
	}

	prob := plot.Curves{
		Title:  field + " axion-photon conversion",
		XLabel: "m_a [eV]",
		YLabel: "P(a→γ)",
		LogY:   *useLogScale,
		Series: probLines,
	}
	if img, err := plot.Render(prob); err != nil {
		log.Printf("plot %s probability: %v", field, err)
	} else if err := plot.WritePNG(filepath.Join(*outDir, field+"_ProbabilityGas.png"), img); err != nil {
		log.Printf("write %s probability plot: %v", field, err)
	}

	rt := plot.Curves{
		Title:  field + " per-point wall time",
		XLabel: "m_a [eV]",
		YLabel: "wall time [ms]",
		Series: timeLines,
	}
	if img, err := plot.Render(rt); err != nil {
		log.Printf("plot %s runtime: %v", field, err)
	} else if err := plot.WritePNG(filepath.Join(*outDir, field+"_RunTimeGas.png"), img); err != nil {
		log.Printf("write %s runtime plot: %v", field, err)
	}

	if err := writeSeriesTable(filepath.Join(*outDir, field+"_ProbabilityGas.txt"), field, series); err != nil {
		log.Printf("write %s table: %v", field, err)
	}
}

// writeSeriesTable dumps the raw numbers so plots never have to be
// re-derived from pixels.
func writeSeriesTable(path, field string, series []massscan.Series) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(f, "# field %s\n", field)
	for _, s := range series {
		if s.Field != field {
			continue
		}
		fmt.Fprintf(f, "# series %s\n", seriesLabel(s.Gas))
		fmt.Fprintf(f, "# %-13s %-13s %-13s %-10s %s\n", "m_a_eV", "P", "sigma", "wall_ms", "warn")
		for _, p := range s.Points {
			warn := 0
			if p.Warning {
				warn = 1
			}
			fmt.Fprintf(f, "%-15.8g %-13.6g %-13.6g %-10.3f %d\n",
				p.MassEV, p.P, p.Sigma, p.ElapsedMS, warn)
		}
	}
	return f.Close()
}
