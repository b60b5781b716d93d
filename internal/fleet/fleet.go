// Package fleet parses the gateway's fleet-status report into worker records.
package fleet

import (
	"bufio"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	apperrors "github.com/antonkrylov/nbgate/internal/errors"
)

// HeaderPrefix marks the header row of a fleet-status report. Rows before it are banner noise.
const HeaderPrefix = "#CPU"

// DefaultCommand is the fleet-status command run on the gateway.
const DefaultCommand = "ai"

var noisePatterns = []string{
	"rsh: fork",
	"Resource temporarily unavailable",
}

// Worker is one row of the fleet report. Values are a snapshot and are never updated in place.
type Worker struct {
	Host       string  `json:"host"`
	CPUAvail   float64 `json:"cpuAvail"`
	Load       float64 `json:"load"`
	CPUTotal   int     `json:"cpuTotal"`
	CPUType    string  `json:"cpuType"`
	RAMAvailGB float64 `json:"ramAvailGb"`
	RAMTotalGB float64 `json:"ramTotalGb"`
	Program    string  `json:"program"`
	HasGPU     bool    `json:"hasGpu"`
	User       string  `json:"user,omitempty"`
}

// Parse extracts worker rows from raw fleet-status output. Unparseable rows are skipped.
func Parse(text string) []Worker {
	var (
		out        []Worker
		seenHeader bool
	)
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if isNoise(line) {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if !seenHeader {
			if strings.HasPrefix(trimmed, HeaderPrefix) {
				seenHeader = true
			}
			continue
		}
		if w, ok := parseRow(trimmed); ok {
			out = append(out, w)
		}
	}
	return out
}

func isNoise(line string) bool {
	for _, p := range noisePatterns {
		if strings.Contains(line, p) {
			return true
		}
	}
	return false
}

func parseRow(line string) (Worker, bool) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return Worker{}, false
	}
	cpuAvail, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return Worker{}, false
	}
	load, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Worker{}, false
	}
	cpuTotal, err := parseCount(fields[2])
	if err != nil {
		return Worker{}, false
	}
	ramAvail, err := strconv.ParseFloat(fields[5], 64)
	if err != nil {
		return Worker{}, false
	}
	ramTotal, err := strconv.ParseFloat(fields[6], 64)
	if err != nil {
		return Worker{}, false
	}
	w := Worker{
		Host:       fields[3],
		CPUAvail:   cpuAvail,
		Load:       load,
		CPUTotal:   cpuTotal,
		CPUType:    fields[4],
		RAMAvailGB: ramAvail,
		RAMTotalGB: ramTotal,
		Program:    fields[7],
		HasGPU:     strings.Contains(strings.ToLower(fields[3]), "gpu"),
	}
	if len(fields) > 8 {
		w.User = fields[8]
	}
	return w, true
}

// parseCount accepts "16" as well as "16.0".
func parseCount(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// Best returns the worker with the most available RAM. Ties keep the earlier row.
func Best(workers []Worker) (Worker, bool) {
	if len(workers) == 0 {
		return Worker{}, false
	}
	best := workers[0]
	for _, w := range workers[1:] {
		if w.RAMAvailGB > best.RAMAvailGB {
			best = w
		}
	}
	return best, true
}

// Find returns the worker with the given host name.
func Find(workers []Worker, host string) (Worker, bool) {
	for _, w := range workers {
		if w.Host == host {
			return w, true
		}
	}
	return Worker{}, false
}

// FilterGPU returns only GPU workers.
func FilterGPU(workers []Worker) []Worker {
	var out []Worker
	for _, w := range workers {
		if w.HasGPU {
			out = append(out, w)
		}
	}
	return out
}

type SortKey string

const (
	SortRAM  SortKey = "ram"
	SortCPU  SortKey = "cpu"
	SortLoad SortKey = "load"
)

// Sorted returns a copy ordered by key: ram and cpu descending, load ascending. The sort
// is stable so equal rows keep report order.
func Sorted(workers []Worker, key SortKey) ([]Worker, error) {
	out := append([]Worker(nil), workers...)
	var less func(a, b Worker) bool
	switch key {
	case "", SortRAM:
		less = func(a, b Worker) bool { return a.RAMAvailGB > b.RAMAvailGB }
	case SortCPU:
		less = func(a, b Worker) bool { return a.CPUAvail > b.CPUAvail }
	case SortLoad:
		less = func(a, b Worker) bool { return a.Load < b.Load }
	default:
		return nil, fmt.Errorf("unknown sort key %q (want ram, cpu or load)", key)
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, nil
}

// Roster holds the most recent fleet snapshot. Each Replace swaps the whole set.
type Roster struct {
	mu      sync.RWMutex
	workers []Worker
}

func (r *Roster) Replace(workers []Worker) {
	cp := append([]Worker(nil), workers...)
	r.mu.Lock()
	r.workers = cp
	r.mu.Unlock()
}

func (r *Roster) Snapshot() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Worker(nil), r.workers...)
}

// Execer runs one non-interactive command on the gateway.
type Execer interface {
	ExecFleet(ctx context.Context, command string) (string, error)
}

// ExecFunc adapts a function to Execer.
type ExecFunc func(ctx context.Context, command string) (string, error)

func (f ExecFunc) ExecFleet(ctx context.Context, command string) (string, error) {
	return f(ctx, command)
}

// Query runs the fleet-status command and parses its output.
func Query(ctx context.Context, ex Execer, command string) ([]Worker, error) {
	if strings.TrimSpace(command) == "" {
		command = DefaultCommand
	}
	out, err := ex.ExecFleet(ctx, command)
	if err != nil {
		return nil, fmt.Errorf("fleet query %q: %w", command, err)
	}
	workers := Parse(out)
	if len(workers) == 0 {
		return nil, apperrors.NoWorkers()
	}
	return workers, nil
}
