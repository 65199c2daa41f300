package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JournalEntry is one finished plan as it appears in the run journal.
type JournalEntry struct {
	TaskID     string
	SessionID  string
	Plan       string
	Goal       string
	State      string
	Successful int
	Failed     int
	Error      string
}

// Journal appends a human-readable line per finished plan to daily files
// named runs-YYYY-MM-DD.log.
type Journal struct {
	dir     string
	file    *os.File
	path    string
	mu      sync.Mutex
	lastDay string
	now     func() time.Time
}

// NewJournal opens today's journal file under dir.
func NewJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	j := &Journal{dir: dir, now: time.Now}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.rotateLocked(); err != nil {
		return nil, err
	}
	return j, nil
}

// Record writes entry, rotating to a new file when the day has changed.
func (j *Journal) Record(entry JournalEntry) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.now().Format(time.DateOnly) != j.lastDay {
		if err := j.rotateLocked(); err != nil {
			return err
		}
	}
	if j.file == nil {
		return nil
	}

	line := fmt.Sprintf("[%s] %s task=%s session=%s plan=%s ok=%d failed=%d goal=%q",
		j.now().Format(time.TimeOnly), entry.State, entry.TaskID, entry.SessionID,
		entry.Plan, entry.Successful, entry.Failed, entry.Goal)
	if entry.Error != "" {
		line += fmt.Sprintf(" error=%q", entry.Error)
	}
	_, err := fmt.Fprintln(j.file, line)
	return err
}

// Path returns the current journal file.
func (j *Journal) Path() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.path
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file != nil {
		err := j.file.Close()
		j.file = nil
		return err
	}
	return nil
}

func (j *Journal) rotateLocked() error {
	if j.file != nil {
		_ = j.file.Close()
		j.file = nil
	}

	today := j.now().Format(time.DateOnly)
	j.lastDay = today
	j.path = filepath.Join(j.dir, "runs-"+today+".log")

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	j.file = file
	return nil
}
