// Package logfile watches an application log file and reports its growth:
// total size, lines appended since startup, and truncation events. New data
// is picked up through filesystem notifications rather than re-reading the
// file each tick.
package logfile

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Collector tails one log file. Start opens the watcher and seeds the read
// offset at the current end of file; only data appended afterwards is
// counted as new lines.
type Collector struct {
	path string

	watcher *fsnotify.Watcher
	done    chan struct{}

	mu          sync.Mutex
	offset      int64
	linesSeen   int64
	truncations int64
}

// New creates a collector watching path.
func New(path string) *Collector {
	return &Collector{path: path}
}

func (c *Collector) Name() string  { return "logfile" }
func (c *Collector) Label() string { return "Log File" }

// Config exposes the watched path for the diagnostics surface.
func (c *Collector) Config() map[string]any {
	return map[string]any{"path": c.path}
}

// Start opens the filesystem watcher on the file's directory (watching the
// directory survives rotation, where watching the file itself would not) and
// launches the event loop.
func (c *Collector) Start(ctx context.Context) error {
	info, err := os.Stat(c.path)
	if err != nil {
		return fmt.Errorf("stat log file: %w", err)
	}
	c.offset = info.Size()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(c.path), err)
	}

	c.watcher = watcher
	c.done = make(chan struct{})
	go c.run()
	return nil
}

// Stop closes the watcher and waits for the event loop to exit.
func (c *Collector) Stop(ctx context.Context) error {
	if c.watcher == nil {
		return nil
	}
	err := c.watcher.Close()
	<-c.done
	return err
}

// Collect reports the current counters. It never fails once started.
func (c *Collector) Collect(ctx context.Context) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return map[string]any{
		"logfile.sizeBytes":   c.offset,
		"logfile.linesSeen":   c.linesSeen,
		"logfile.truncations": c.truncations,
	}, nil
}

// run consumes watcher events until the watcher is closed.
func (c *Collector) run() {
	defer close(c.done)
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(c.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				c.readNew()
			}
		case _, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			// Watcher errors are transient; the next event re-syncs.
		}
	}
}

// readNew reads from the stored offset to the current end of file, counting
// appended lines. A shrinking file is a truncation or rotation: reading
// restarts from the beginning.
func (c *Collector) readNew() {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.Open(c.path)
	if err != nil {
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}
	if info.Size() < c.offset {
		c.truncations++
		c.offset = 0
	}

	if _, err := f.Seek(c.offset, io.SeekStart); err != nil {
		return
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		c.offset += int64(len(line))
		if err != nil {
			break
		}
		c.linesSeen++
	}
}
