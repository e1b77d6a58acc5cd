// Copyright (C) 2025 anomaly-sentinel contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package window

import (
	"math"
	"sort"
	"sync"
)

// Epsilon is the lower bound for standard deviation. It keeps z-score
// divisions defined when a window holds identical or too few values.
const Epsilon = 1e-10

// Stats holds aggregate statistics for one sensor window
type Stats struct {
	Count  int
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
	Latest float64
}

// Store manages one bounded rolling window per sensor type.
// Windows are created lazily on first push.
type Store struct {
	mu       sync.RWMutex
	windows  map[string]*ring
	capacity int
}

// ring is a fixed-capacity circular buffer with running sums so mean and
// variance are O(1) queries. Not safe for concurrent use; the Store's lock
// guards it.
type ring struct {
	values     []float64
	head       int
	size       int
	sum        float64
	sumSquares float64
}

// NewStore creates a store whose windows hold at most capacity values each
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = 100
	}
	return &Store{
		windows:  make(map[string]*ring),
		capacity: capacity,
	}
}

func newRing(capacity int) *ring {
	return &ring{values: make([]float64, capacity)}
}

// push appends a value, evicting the oldest when full
func (r *ring) push(v float64) {
	if r.size == len(r.values) {
		old := r.values[r.head]
		r.sum -= old
		r.sumSquares -= old * old
		r.values[r.head] = v
		r.head = (r.head + 1) % len(r.values)
	} else {
		r.values[(r.head+r.size)%len(r.values)] = v
		r.size++
	}
	r.sum += v
	r.sumSquares += v * v
}

// at returns the i-th value in insertion order, oldest first
func (r *ring) at(i int) float64 {
	return r.values[(r.head+i)%len(r.values)]
}

func (r *ring) mean() float64 {
	if r.size == 0 {
		return 0
	}
	return r.sum / float64(r.size)
}

// stdDev returns the sample standard deviation (n−1 denominator),
// never less than Epsilon
func (r *ring) stdDev() float64 {
	if r.size < 2 {
		return Epsilon
	}
	n := float64(r.size)
	mean := r.sum / n
	variance := (r.sumSquares - n*mean*mean) / (n - 1)
	// Running sums can cancel slightly below zero for near-constant data
	if variance < 0 {
		variance = 0
	}
	return math.Max(math.Sqrt(variance), Epsilon)
}

func (r *ring) snapshot() []float64 {
	out := make([]float64, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.at(i)
	}
	return out
}

// Push appends a value to the window for the given sensor type
func (s *Store) Push(sensorType string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.windows[sensorType]
	if !exists {
		r = newRing(s.capacity)
		s.windows[sensorType] = r
	}
	r.push(value)
}

// Count returns the number of values currently held for a sensor type
func (s *Store) Count(sensorType string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.windows[sensorType]
	if !exists {
		return 0
	}
	return r.size
}

// MeanStdDev returns the rolling mean and sample standard deviation
func (s *Store) MeanStdDev(sensorType string) (float64, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.windows[sensorType]
	if !exists || r.size == 0 {
		return 0, Epsilon
	}
	return r.mean(), r.stdDev()
}

// StatsFor returns aggregate statistics for one sensor type
func (s *Store) StatsFor(sensorType string) (Stats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.windows[sensorType]
	if !exists || r.size == 0 {
		return Stats{}, false
	}
	return ringStats(r), true
}

// AllStats returns statistics for every sensor type with data
func (s *Store) AllStats() map[string]Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Stats, len(s.windows))
	for sensorType, r := range s.windows {
		if r.size == 0 {
			continue
		}
		out[sensorType] = ringStats(r)
	}
	return out
}

// History returns a copy of the window values, oldest first
func (s *Store) History(sensorType string) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.windows[sensorType]
	if !exists {
		return nil
	}
	return r.snapshot()
}

// Types returns the known sensor types, sorted
func (s *Store) Types() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	types := make([]string, 0, len(s.windows))
	for sensorType := range s.windows {
		types = append(types, sensorType)
	}
	sort.Strings(types)
	return types
}

// Capacity returns the per-window capacity
func (s *Store) Capacity() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capacity
}

// Reset drops every window
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = make(map[string]*ring)
}

// Resize changes the capacity of every window, keeping the newest values
// when the new capacity is smaller. Future windows use the new capacity.
func (s *Store) Resize(capacity int) {
	if capacity <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.capacity = capacity
	for sensorType, r := range s.windows {
		values := r.snapshot()
		if len(values) > capacity {
			values = values[len(values)-capacity:]
		}
		fresh := newRing(capacity)
		for _, v := range values {
			fresh.push(v)
		}
		s.windows[sensorType] = fresh
	}
}

func ringStats(r *ring) Stats {
	stats := Stats{
		Count:  r.size,
		Mean:   r.mean(),
		StdDev: r.stdDev(),
		Min:    r.at(0),
		Max:    r.at(0),
		Latest: r.at(r.size - 1),
	}

	for i := 0; i < r.size; i++ {
		v := r.at(i)
		if v < stats.Min {
			stats.Min = v
		}
		if v > stats.Max {
			stats.Max = v
		}
	}
	return stats
}
