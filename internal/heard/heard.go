// Package heard maintains the mheard-style log of stations this TNC has
// recorded activity from (CQ/QRV, ping, ping ack, beacon). The log is
// unbounded: entries are refreshed in place and never evicted.
package heard

import (
	"sort"
	"sync"
	"time"
)

// Station is one entry in the heard-stations log.
type Station struct {
	Callsign   string
	Grid       string
	Activity   string // e.g. "CQ", "QRV", "PING", "PING-ACK", "BEACON"
	SNR        int8
	FreqOffset int
	Frequency  uint64
	LastHeard  time.Time
	Count      int
}

// Log is a callsign-keyed, mutex-guarded heard-stations table. Zero value
// is ready to use.
type Log struct {
	mu      sync.Mutex
	entries map[string]*Station
}

// Record adds or refreshes an entry, matching
// helpers.add_to_heard_stations' call shape.
func (l *Log) Record(callsign, grid, activity string, snr int8, freqOffset int, frequency uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.entries == nil {
		l.entries = make(map[string]*Station)
	}
	e, ok := l.entries[callsign]
	if !ok {
		e = &Station{Callsign: callsign}
		l.entries[callsign] = e
	}
	e.Grid = grid
	e.Activity = activity
	e.SNR = snr
	e.FreqOffset = freqOffset
	e.Frequency = frequency
	e.LastHeard = time.Now()
	e.Count++
}

// Get returns the recorded entry for callsign, if any.
func (l *Log) Get(callsign string) (Station, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[callsign]
	if !ok {
		return Station{}, false
	}
	return *e, true
}

// All returns every entry, most recently heard first.
func (l *Log) All() []Station {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Station, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastHeard.After(out[j].LastHeard) })
	return out
}
