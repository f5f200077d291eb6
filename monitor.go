package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"golang.org/x/crypto/acme/autocert"

	qrcode "github.com/skip2/go-qrcode"

	"axion-gas-scan/pkg/massscan"
	"axion-gas-scan/pkg/scanarchive"
	"axion-gas-scan/pkg/scanstream"
)

// resultStore keeps the in-flight scan state for /points.json.  A single
// goroutine owns the map and everyone else talks to it over channels, so
// the Observe callback and the HTTP handlers never share memory.
type resultStore struct {
	addCh    chan addReq
	finishCh chan massscan.Series
	snapCh   chan chan []seriesSnapshot
}

type addReq struct {
	key   string
	point massscan.Point
	reply chan int
}

type pointJSON struct {
	MassEV    float64 `json:"mass_ev"`
	P         float64 `json:"p"`
	Sigma     float64 `json:"sigma"`
	ElapsedMS float64 `json:"elapsed_ms"`
	Warning   bool    `json:"warning"`
}

type seriesSnapshot struct {
	Key    string      `json:"key"`
	Done   int         `json:"done"`
	Final  bool        `json:"final"`
	Points []pointJSON `json:"points"`
}

func newResultStore() *resultStore {
	s := &resultStore{
		addCh:    make(chan addReq),
		finishCh: make(chan massscan.Series),
		snapCh:   make(chan chan []seriesSnapshot),
	}
	go s.run()
	return s
}

func (s *resultStore) run() {
	type progress struct {
		final  bool
		points []massscan.Point
	}
	state := make(map[string]*progress)

	for {
		select {
		case req := <-s.addCh:
			pr := state[req.key]
			if pr == nil {
				pr = &progress{}
				state[req.key] = pr
			}
			pr.points = append(pr.points, req.point)
			req.reply <- len(pr.points)

		case series := <-s.finishCh:
			// Replace the arrival-order points with the grid-order
			// result so the snapshot matches the written table.
			state[series.Key()] = &progress{final: true, points: series.Points}

		case reply := <-s.snapCh:
			snaps := make([]seriesSnapshot, 0, len(state))
			for key, pr := range state {
				points := append([]massscan.Point(nil), pr.points...)
				if !pr.final {
					sort.Slice(points, func(i, j int) bool {
						return points[i].MassEV < points[j].MassEV
					})
				}
				snap := seriesSnapshot{Key: key, Done: len(points), Final: pr.final}
				for _, p := range points {
					snap.Points = append(snap.Points, pointJSON{
						MassEV:    p.MassEV,
						P:         p.P,
						Sigma:     p.Sigma,
						ElapsedMS: p.ElapsedMS,
						Warning:   p.Warning,
					})
				}
				snaps = append(snaps, snap)
			}
			sort.Slice(snaps, func(i, j int) bool { return snaps[i].Key < snaps[j].Key })
			reply <- snaps
		}
	}
}

// add records one finished point and returns how many this series holds.
func (s *resultStore) add(key string, p massscan.Point) int {
	reply := make(chan int)
	s.addCh <- addReq{key: key, point: p, reply: reply}
	return <-reply
}

func (s *resultStore) finish(series massscan.Series) { s.finishCh <- series }

func (s *resultStore) snapshot() []seriesSnapshot {
	reply := make(chan []seriesSnapshot)
	s.snapCh <- reply
	return <-reply
}

// startMonitor wires the HTTP routes and brings the server up in the
// background.  The scan starts right after, so live subscribers see it
// from the first point.
func startMonitor(bus *scanstream.Bus, results *resultStore, archive *scanarchive.Archive) {
	staticFS, err := fs.Sub(content, "public_html")
	if err != nil {
		log.Fatalf("static fs: %v", err)
	}

	http.Handle("/static/", http.StripPrefix("/static/",
		http.FileServer(http.FS(staticFS))))
	http.HandleFunc("/", monitorHandler)
	http.HandleFunc("/live", liveHandler(bus))
	http.HandleFunc("/points.json", pointsHandler(results))
	http.HandleFunc("/scans.json", scansHandler(archive))
	http.HandleFunc("/scan.json", scanPointsHandler(archive))
	http.HandleFunc("/qr.png", qrPngHandler)

	rootHandler := withServerHeader(http.DefaultServeMux)

	if *domain != "" {
		go serveWithDomain(*domain, rootHandler)
		return
	}
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		log.Printf("monitor ➜ http://localhost%s", addr)
		if err := http.ListenAndServe(addr, rootHandler); err != nil {
			log.Printf("HTTP server error: %v", err)
		}
	}()
}

var monitorTemplate = template.Must(template.ParseFS(content, "public_html/monitor.html"))

func monitorHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := monitorTemplate.Execute(w, struct{ Version string }{Version: CompileVersion})
	if err != nil {
		log.Printf("monitor page: %v", err)
	}
}

type updateJSON struct {
	Field     string  `json:"field"`
	Gas       string  `json:"gas"`
	Done      int     `json:"done"`
	Total     int     `json:"total"`
	MassEV    float64 `json:"mass_ev"`
	P         float64 `json:"p"`
	Sigma     float64 `json:"sigma"`
	ElapsedMS float64 `json:"elapsed_ms"`
	Warning   bool    `json:"warning"`
}

// liveHandler streams scan progress via Server-Sent Events.  Points are
// emitted as soon as the workers publish them.
func liveHandler(bus *scanstream.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		field := r.URL.Query().Get("field")

		ctx := r.Context()
		updates := bus.Subscribe(ctx, field, 64)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					fmt.Fprint(w, "event: done\ndata: end\n\n")
					flusher.Flush()
					return
				}
				b, _ := json.Marshal(updateJSON{
					Field:     u.Field,
					Gas:       u.Gas,
					Done:      u.Done,
					Total:     u.Total,
					MassEV:    u.Point.MassEV,
					P:         u.Point.P,
					Sigma:     u.Point.Sigma,
					ElapsedMS: u.Point.ElapsedMS,
					Warning:   u.Point.Warning,
				})
				fmt.Fprintf(w, "data: %s\n\n", b)
				flusher.Flush()
			}
		}
	}
}

func pointsHandler(results *resultStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(results.snapshot()); err != nil {
			log.Printf("points.json: %v", err)
		}
	}
}

// scansHandler lists archived scans, newest first.  Without an archive the
// list is simply empty so the page needs no special case.
func scansHandler(archive *scanarchive.Archive) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if archive == nil {
			fmt.Fprint(w, "[]")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		scans, err := archive.RecentScans(ctx, 50)
		if err != nil {
			log.Printf("scans.json: %v", err)
			http.Error(w, "archive query failed", http.StatusInternalServerError)
			return
		}
		if scans == nil {
			scans = []scanarchive.Scan{}
		}
		if err := json.NewEncoder(w).Encode(scans); err != nil {
			log.Printf("scans.json: %v", err)
		}
	}
}

// scanPointsHandler serves one archived curve by scan ID, in mass order,
// so past runs can be replotted without rerunning the integrator.
func scanPointsHandler(archive *scanarchive.Archive) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if archive == nil {
			http.Error(w, "archive disabled", http.StatusNotFound)
			return
		}
		id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
		if err != nil {
			http.Error(w, "want /scan.json?id=<number>", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		points, err := archive.PointsForScan(ctx, id)
		if err != nil {
			log.Printf("scan.json id=%d: %v", id, err)
			http.Error(w, "archive query failed", http.StatusInternalServerError)
			return
		}
		if points == nil {
			points = []scanarchive.PointRow{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(points); err != nil {
			log.Printf("scan.json id=%d: %v", id, err)
		}
	}
}

// qrPngHandler renders a QR code pointing at the monitor page so the scan
// can be followed from a phone next to the rig.
func qrPngHandler(w http.ResponseWriter, r *http.Request) {
	u := r.URL.Query().Get("u")
	if u == "" {
		if ref := r.Referer(); ref != "" {
			u = ref
		} else {
			scheme := "http"
			if r.TLS != nil {
				scheme = "https"
			}
			u = scheme + "://" + r.Host + "/"
		}
	}
	if len(u) > 4096 {
		u = u[:4096]
	}

	png, err := qrcode.Encode(u, qrcode.Medium, 512)
	if err != nil {
		http.Error(w, "QR encode: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Disposition", "inline; filename=\"qr.png\"")
	_, _ = w.Write(png)
}

// withServerHeader wraps any http.Handler, adding the
// "Server: axion-gas-scan/<CompileVersion>" header.
//
// A HEAD request to "/" answers 200 OK with no body so health checks can
// see the service is alive.
func withServerHeader(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "axion-gas-scan/"+CompileVersion)

		if r.Method == http.MethodHead && r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// serveWithDomain runs:
//   - :80  — ACME HTTP-01 + 301 redirect to https://<domain>/…
//   - :443 — HTTPS with automatic Let's Encrypt certificates.
//
// When autocert cannot issue a certificate for a host or SNI the server
// still answers with the previously obtained fallback certificate, which
// keeps bare-IP requests out of the error log.
//
// Compatibility: TLS ≥ 1.0, ALPN h2/http1.1/http1.0.
// All errors are only logged.
func serveWithDomain(domain string, handler http.Handler) {
	// ----------- ACME manager -----------
	certMgr := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Cache:  autocert.DirCache("certs"),
		HostPolicy: func(ctx context.Context, host string) error {
			// Allow the bare domain and www.<domain>
			if host == domain || host == "www."+domain {
				return nil
			}
			// IP address? — don't block, just don't request a cert.
			if net.ParseIP(host) != nil {
				return nil
			}
			return errors.New("acme/autocert: host not configured")
		},
	}

	// ----------- :80 (challenge + redirect) -----------
	go func() {
		mux80 := http.NewServeMux()
		mux80.Handle("/.well-known/acme-challenge/", certMgr.HTTPHandler(nil))
		mux80.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			target := "https://" + domain + r.URL.RequestURI()
			http.Redirect(w, r, target, http.StatusMovedPermanently)
		})

		log.Printf("HTTP  server (ACME+redirect) ➜ :80")
		if err := (&http.Server{
			Addr:              ":80",
			Handler:           mux80,
			ReadHeaderTimeout: 10 * time.Second,
		}).ListenAndServe(); err != nil {
			log.Printf("HTTP  server error: %v", err)
		}
	}()

	// ----------- daily certificate check -----------
	go func() {
		t := time.NewTicker(24 * time.Hour)
		defer t.Stop()
		for range t.C {
			if _, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err != nil {
				log.Printf("autocert renewal check: %v", err)
			}
		}
	}()

	// ----------- :443 (HTTPS) -----------
	tlsCfg := certMgr.TLSConfig()
	tlsCfg.MinVersion = tls.VersionTLS10
	tlsCfg.NextProtos = append([]string{"http/1.0"}, tlsCfg.NextProtos...)

	// fallback certificate for IPs / odd SNI values
	var defaultCert *tls.Certificate
	go func() {
		for defaultCert == nil {
			if c, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err == nil {
				defaultCert = c
			}
			time.Sleep(time.Minute)
		}
	}()
	tlsCfg.GetCertificate = func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := certMgr.GetCertificate(chi)
		if err == nil {
			return c, nil
		}
		// Any failure — try the fallback cert if it exists already.
		if defaultCert != nil {
			return defaultCert, nil
		}
		// No fallback yet — surface the original error.
		return nil, err
	}

	log.Printf("HTTPS server for %s ➜ :443 (TLS ≥1.0, ALPN h2/http1.1/1.0)", domain)
	if err := (&http.Server{
		Addr:              ":443",
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}).ListenAndServeTLS("", ""); err != nil {
		log.Printf("HTTPS server error: %v", err)
	}
}
