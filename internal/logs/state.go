package logs

import "sync"

// syncMap owns the per-run ring buffers.
type syncMap struct {
	mu         *sync.RWMutex
	buffers    map[string]*ringBuffer
	bufferSize int
}

func newSyncMap(bufferSize int) syncMap {
	return syncMap{
		mu:         &sync.RWMutex{},
		buffers:    make(map[string]*ringBuffer),
		bufferSize: bufferSize,
	}
}

func (m syncMap) buffer(runID string) *ringBuffer {
	m.mu.RLock()
	buf, ok := m.buffers[runID]
	m.mu.RUnlock()
	if ok {
		return buf
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if buf, ok = m.buffers[runID]; ok {
		return buf
	}
	buf = newRingBuffer(m.bufferSize)
	m.buffers[runID] = buf
	return buf
}

func (m syncMap) drop(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buffers, runID)
}

// countMap owns per-run per-category counters. Counters survive buffer
// eviction so totals stay accurate for long runs.
type countMap struct {
	mu     *sync.Mutex
	counts map[string]map[Category]int
}

func newCountMap() countMap {
	return countMap{
		mu:     &sync.Mutex{},
		counts: make(map[string]map[Category]int),
	}
}

func (m countMap) increment(runID string, category Category) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byCategory, ok := m.counts[runID]
	if !ok {
		byCategory = make(map[Category]int)
		m.counts[runID] = byCategory
	}
	byCategory[category]++
}

func (m countMap) snapshot(runID string) map[Category]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[Category]int, len(AllCategories()))
	for _, category := range AllCategories() {
		out[category] = m.counts[runID][category]
	}
	return out
}

func (m countMap) drop(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, runID)
}
