// Package scanlog implements a per-scan in-memory log buffer.
//
// Detail lines are buffered WHILE a field/gas scan runs.
// ● If the scan fails — the buffer is replayed, then the final error.
// ● If the scan succeeds — the buffer is dropped, one short line is written.
//
// Потокобезопасность достигается через выделенный logger-goroutine и
// канал команд; никаких mutex-ов.
package scanlog

import (
	"bytes"
	"log"
	"strings"
)

// --- command types ----------------------------------------------------------

type action int

const (
	actBegin action = iota
	actAppend
	actSuccess
	actFlushErr
	actSync
)

type cmd struct {
	act     action
	scanKey string
	message string          // for Append
	summary string          // for Success
	err     error           // for FlushError
	done    chan<- struct{} // for Sync
}

// --- public entry points (they only send to the channel) --------------------

var ch = make(chan cmd, 128) // headroom for bursts of per-mass detail

// Begin starts buffering for scanKey, usually "<field>/<gas>".
func Begin(scanKey string) { ch <- cmd{act: actBegin, scanKey: scanKey} }

// Append adds one detail line to the scan buffer.
func Append(scanKey, msg string) {
	ch <- cmd{act: actAppend, scanKey: scanKey, message: msg}
}

// Success drops the buffer and writes one short line.
func Success(scanKey, summary string) {
	ch <- cmd{act: actSuccess, scanKey: scanKey, summary: summary}
}

// FlushError replays the buffered detail, then the final error.
func FlushError(scanKey string, err error) {
	ch <- cmd{act: actFlushErr, scanKey: scanKey, err: err}
}

// Sync returns after every command sent before it has been handled.
func Sync() {
	done := make(chan struct{})
	ch <- cmd{act: actSync, done: done}
	<-done
}

// --- initialisation: start the goroutine ------------------------------------

func init() { go runloop() }

// --- private implementation -------------------------------------------------

func runloop() {
	buffers := make(map[string]*bytes.Buffer)

	for c := range ch {
		switch c.act {
		case actBegin:
			buffers[c.scanKey] = &bytes.Buffer{}

		case actAppend:
			if b := buffers[c.scanKey]; b != nil {
				_, _ = b.WriteString(c.message + "\n")
			} else {
				log.Print(c.message) // no buffer → write straight away
			}

		case actSuccess:
			log.Printf("[%s][scan] ✔ %s", c.scanKey, c.summary)
			delete(buffers, c.scanKey)

		case actFlushErr:
			if b := buffers[c.scanKey]; b != nil {
				lines := strings.Split(strings.TrimRight(b.String(), "\n"), "\n")
				for _, ln := range lines {
					log.Print(ln)
				}
				delete(buffers, c.scanKey)
			}
			log.Printf("[%s][ERROR] %v", c.scanKey, c.err)

		case actSync:
			close(c.done)
		}
	}
}
