package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/BradMann09/FamilyVault/internal/misc"
)

// maxLineSize bounds a single serialized event when reading the log back
const maxLineSize = 1 << 20

// FileLogger appends events as JSON lines to a file and answers queries by
// scanning it, so events recorded by earlier processes stay queryable.
type FileLogger struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// NewFileLogger opens path for appending, creating it and its directory
func NewFileLogger(path string) (*FileLogger, error) {
	if path == "" {
		return nil, errors.New("path is required for the file audit sink")
	}
	if err := os.MkdirAll(filepath.Dir(path), misc.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, misc.FilePermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return &FileLogger{path: path, file: file}, nil
}

func (f *FileLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	return f.Record(Event{Action: action, Success: success, Metadata: metadata})
}

func (f *FileLogger) Record(event Event) error {
	event = normalize(event)

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize audit event: %w", err)
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return errors.New("audit log is closed")
	}
	if _, err = f.file.Write(line); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	if err = f.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	return nil
}

// Query returns matching events, newest first. Lines that do not decode are
// skipped.
func (f *FileLogger) Query(options QueryOptions) (QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	var (
		filtered []Event
		total    int
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		var event Event
		if err = json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		total++
		if event.matches(options) {
			filtered = append(filtered, event)
		}
	}
	if err = scanner.Err(); err != nil {
		return QueryResult{}, fmt.Errorf("failed to read audit log: %w", err)
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
		TotalCount: total,
		Filtered:   len(filtered),
		HasMore:    hasMore,
	}, nil
}

func (f *FileLogger) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
