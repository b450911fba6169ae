// Package telemetry appends per-transaction confirmation rows to a CSV file
// so block latency can be analyzed offline. The sink is best effort: a
// failed append never disturbs the simulation.
package telemetry

import (
	"fmt"
	"os"
	"sync"
)

// CSV writes one `creation_ms,confirmation_ms` row per confirmed
// transaction. No header is written. Appends are serialized by a mutex.
type CSV struct {
	mu sync.Mutex
	f  *os.File
}

// NewCSV opens (or creates) the file at path for appending.
func NewCSV(path string) (*CSV, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening telemetry file: %w", err)
	}

	return &CSV{f: f}, nil
}

// Append writes a single row.
func (c *CSV) Append(creation int64, confirmation int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := fmt.Fprintf(c.f, "%d,%d\n", creation, confirmation); err != nil {
		return fmt.Errorf("appending telemetry row: %w", err)
	}

	return nil
}

// Close releases the underlying file.
func (c *CSV) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.f.Close()
}
