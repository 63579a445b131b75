package pipeline

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/lanmesh/hub/internal/resilience"
)

// Aggregation names accepted by Aggregate.
const (
	AggMin    = "min"
	AggMax    = "max"
	AggAvg    = "avg"
	AggSum    = "sum"
	AggCount  = "count"
	AggMedian = "median"
	AggStdev  = "stdev"
)

type persistedPipeline struct {
	TotalRecorded int64                `json:"total_recorded"`
	Buffers       map[string][]Reading `json:"buffers"`
}

// Pipeline keeps one ring buffer per (node, capability) key "node|cap".
// Values that are not numbers or booleans are silently ignored.
type Pipeline struct {
	mu            sync.Mutex
	buffers       map[string]*RingBuffer
	capacity      int
	totalRecorded int64
	dirty         bool

	path    string
	flusher *resilience.Watchdog
	logger  *log.Logger
}

// New creates a pipeline with per-series capacity, persisted at path (""
// disables persistence). Call Start to begin the background flush loop.
func New(path string, capacity int, flushInterval time.Duration) (*Pipeline, error) {
	if capacity <= 0 {
		capacity = 1000
	}
	p := &Pipeline{
		buffers:  make(map[string]*RingBuffer),
		capacity: capacity,
		path:     path,
		logger:   log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
	}
	if path != "" {
		if err := p.load(); err != nil {
			return nil, err
		}
		p.flusher = resilience.NewWatchdog("pipeline-flush", flushInterval, p.Flush)
	}
	return p, nil
}

// Start launches the async flush loop.
func (p *Pipeline) Start() {
	if p.flusher != nil {
		p.flusher.Start()
	}
}

// Stop halts the flush loop and saves once if dirty.
func (p *Pipeline) Stop() {
	if p.flusher != nil {
		p.flusher.Stop()
	}
	p.Flush()
}

func (p *Pipeline) load() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load pipeline: %w", err)
	}
	var persisted persistedPipeline
	if err := json.Unmarshal(data, &persisted); err != nil {
		return fmt.Errorf("parse pipeline: %w", err)
	}
	p.totalRecorded = persisted.TotalRecorded
	for key, readings := range persisted.Buffers {
		rb := NewRingBuffer(p.capacity)
		for _, r := range readings {
			rb.Append(r)
		}
		p.buffers[key] = rb
	}
	return nil
}

// Flush saves to disk only when dirty. Safe to call from the watchdog and
// from Stop concurrently.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	if p.path == "" || !p.dirty {
		p.mu.Unlock()
		return
	}
	persisted := persistedPipeline{
		TotalRecorded: p.totalRecorded,
		Buffers:       make(map[string][]Reading, len(p.buffers)),
	}
	for key, rb := range p.buffers {
		persisted.Buffers[key] = rb.Snapshot()
	}
	p.dirty = false
	p.mu.Unlock()

	data, err := json.Marshal(persisted)
	if err != nil {
		p.logger.Printf("⚠️  marshal pipeline: %v", err)
		return
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		p.logger.Printf("⚠️  persist pipeline: %v", err)
		return
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		p.logger.Printf("⚠️  persist pipeline: %v", err)
	}
}

func seriesKey(node, capability string) string {
	return node + "|" + capability
}

// Record stores one sample for (node, capability) at ts (0 means now).
// Only numeric and boolean values are accepted; booleans record as 0/1.
// Anything else is silently ignored.
func (p *Pipeline) Record(node, capability string, value interface{}, ts float64) {
	f, ok := coerce(value)
	if !ok {
		return
	}
	if ts == 0 {
		ts = float64(time.Now().UnixNano()) / 1e9
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	key := seriesKey(node, capability)
	rb, ok := p.buffers[key]
	if !ok {
		rb = NewRingBuffer(p.capacity)
		p.buffers[key] = rb
	}
	rb.Append(Reading{Value: f, TS: ts})
	p.totalRecorded++
	p.dirty = true
}

// RecordState records every numeric/boolean value of a state map with a
// single shared timestamp.
func (p *Pipeline) RecordState(node string, state map[string]interface{}) {
	now := float64(time.Now().UnixNano()) / 1e9
	for capability, value := range state {
		p.Record(node, capability, value, now)
	}
}

// Query returns readings for (node, capability), optionally bounded by
// [start, end] (0 means unbounded), oldest-first.
func (p *Pipeline) Query(node, capability string, start, end float64) []Reading {
	p.mu.Lock()
	rb, ok := p.buffers[seriesKey(node, capability)]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	all := rb.Snapshot()
	p.mu.Unlock()

	out := make([]Reading, 0, len(all))
	for _, r := range all {
		if start != 0 && r.TS < start {
			continue
		}
		if end != 0 && r.TS > end {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Aggregate computes one aggregation over an optional window. An empty
// window (or unknown function) returns 0.
func (p *Pipeline) Aggregate(node, capability, fn string, start, end float64) float64 {
	readings := p.Query(node, capability, start, end)
	if len(readings) == 0 {
		return 0
	}

	values := make([]float64, len(readings))
	for i, r := range readings {
		values[i] = r.Value
	}

	switch fn {
	case AggCount:
		return float64(len(values))
	case AggSum:
		return sum(values)
	case AggAvg:
		return sum(values) / float64(len(values))
	case AggMin:
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min
	case AggMax:
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max
	case AggMedian:
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)
		mid := len(sorted) / 2
		if len(sorted)%2 == 1 {
			return sorted[mid]
		}
		return (sorted[mid-1] + sorted[mid]) / 2
	case AggStdev:
		if len(values) < 2 {
			return 0
		}
		mean := sum(values) / float64(len(values))
		var ss float64
		for _, v := range values {
			d := v - mean
			ss += d * d
		}
		return math.Sqrt(ss / float64(len(values)-1))
	}
	return 0
}

// Series lists the known "node|cap" keys.
func (p *Pipeline) Series() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.buffers))
	for k := range p.buffers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TotalRecorded returns the lifetime sample count.
func (p *Pipeline) TotalRecorded() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalRecorded
}

func sum(values []float64) float64 {
	var s float64
	for _, v := range values {
		s += v
	}
	return s
}

// coerce accepts numbers and booleans (as 0/1); everything else is
// rejected.
func coerce(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
