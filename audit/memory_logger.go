package audit

import (
	"sort"
	"sync"
)

// DefaultCacheSize is the number of events kept by MemoryLogger
const DefaultCacheSize = 1000

// MemoryLogger keeps the most recent events in memory for querying.
// Events do not survive the process.
type MemoryLogger struct {
	mu        sync.RWMutex
	events    []Event
	cacheSize int
	total     int
}

func NewMemoryLogger(cacheSize int) *MemoryLogger {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	return &MemoryLogger{cacheSize: cacheSize}
}

func (m *MemoryLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	return m.Record(Event{Action: action, Success: success, Metadata: metadata})
}

func (m *MemoryLogger) Record(event Event) error {
	event = normalize(event)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, event)
	m.total++
	if len(m.events) > m.cacheSize {
		m.events = m.events[len(m.events)-m.cacheSize:]
	}
	return nil
}

// Query returns matching events, newest first
func (m *MemoryLogger) Query(options QueryOptions) (QueryResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var filtered []Event
	for _, event := range m.events {
		if event.matches(options) {
			filtered = append(filtered, event)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.After(filtered[j].Timestamp)
	})

	hasMore := false
	if options.Limit > 0 && len(filtered) > options.Limit {
		filtered = filtered[:options.Limit]
		hasMore = true
	}

	return QueryResult{
		Events:     filtered,
		TotalCount: m.total,
		Filtered:   len(filtered),
		HasMore:    hasMore,
	}, nil
}

func (m *MemoryLogger) Close() error {
	return nil
}
