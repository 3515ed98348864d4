// Package profiler records where compiled blocks live in host memory so
// external tools can attribute samples and crash addresses to guest code.
// It implements the cache's Profiler collaborator.
package profiler

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/colorfulnotion/gekko/log"
)

// PerfMapProfiler appends perf-map lines ("<entry> <size> <label>") to
// perf-<pid>.map under Dir, the format the Linux perf tool resolves JIT
// symbols from. With an empty Dir no perf map file is opened or written.
// An optional SymbolStore additionally persists registrations for offline
// lookup, whether or not Dir is set.
type PerfMapProfiler struct {
	Dir   string
	Store *SymbolStore

	mu sync.Mutex
	f  *os.File
}

func (p *PerfMapProfiler) Init() {
	if p.Dir == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f != nil {
		return
	}
	path := filepath.Join(p.Dir, fmt.Sprintf("perf-%d.map", os.Getpid()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Warn(log.ProfilerMonitoring, "perf map unavailable", "path", path, "err", err)
		return
	}
	p.f = f
}

func (p *PerfMapProfiler) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f != nil {
		p.f.Close()
		p.f = nil
	}
}

func (p *PerfMapProfiler) Register(entry uintptr, size uint32, label string) {
	p.mu.Lock()
	f := p.f
	p.mu.Unlock()
	if f != nil {
		fmt.Fprintf(f, "%x %x %s\n", entry, size, label)
	}
	if p.Store != nil {
		if err := p.Store.Put(entry, size, label); err != nil {
			log.Warn(log.ProfilerMonitoring, "symbol store write failed", "label", label, "err", err)
		}
	}
}
