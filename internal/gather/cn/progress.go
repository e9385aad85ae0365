package cn

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// progressTracker remembers, per gather window, which symbols returned no
// bars (.tried-empty), which were written (.fetched) and whether the window
// finished (.last-completed), so an interrupted data preparation resumes
// without refetching. All state belongs to the window named in .window and
// is discarded when the window changes.
type progressTracker struct {
	mu         sync.Mutex
	triedEmpty *symbolLog
	fetched    *symbolLog
	dir        string // <DataDir>/cn/daily
}

// newProgressTracker opens the tracker in dir for window.
func newProgressTracker(dir, window string) (*progressTracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating daily dir: %w", err)
	}

	windowPath := filepath.Join(dir, ".window")
	prev, _ := os.ReadFile(windowPath)
	if strings.TrimSpace(string(prev)) != window {
		for _, name := range []string{".tried-empty", ".fetched", ".last-completed"} {
			os.Remove(filepath.Join(dir, name))
		}
		if err := os.WriteFile(windowPath, []byte(window), 0o644); err != nil {
			return nil, fmt.Errorf("writing .window: %w", err)
		}
	}

	pt := &progressTracker{dir: dir}
	var err error
	if pt.triedEmpty, err = openSymbolLog(filepath.Join(dir, ".tried-empty")); err != nil {
		return nil, err
	}
	if pt.fetched, err = openSymbolLog(filepath.Join(dir, ".fetched")); err != nil {
		pt.triedEmpty.close()
		return nil, err
	}
	return pt, nil
}

// IsTriedEmpty returns true if the symbol was already tried and returned no data.
func (p *progressTracker) IsTriedEmpty(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.triedEmpty.has(symbol)
}

// MarkEmpty records symbols as tried-empty.
func (p *progressTracker) MarkEmpty(symbols ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.triedEmpty.add(symbols...)
}

// IsFetched reports whether the symbol's bars were written for this window.
func (p *progressTracker) IsFetched(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetched.has(symbol)
}

// MarkFetched records symbols whose bars were written for this window.
func (p *progressTracker) MarkFetched(symbols ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetched.add(symbols...)
}

// MarkCompleted records window as fully gathered.
func (p *progressTracker) MarkCompleted(window string) error {
	return os.WriteFile(filepath.Join(p.dir, ".last-completed"), []byte(window), 0o644)
}

// IsCompleted reports whether window was fully gathered.
func (p *progressTracker) IsCompleted(window string) bool {
	return p.LastCompleted() == window
}

// LastCompleted returns the last completed window, or empty string.
func (p *progressTracker) LastCompleted() string {
	data, err := os.ReadFile(filepath.Join(p.dir, ".last-completed"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Close flushes and closes the tracker files.
func (p *progressTracker) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.triedEmpty.close()
	if ferr := p.fetched.close(); err == nil {
		err = ferr
	}
	return err
}

// symbolLog is an append-only file of symbols, one per line, mirrored in
// memory.
type symbolLog struct {
	set    map[string]struct{}
	writer *bufio.Writer
	file   *os.File
}

func openSymbolLog(path string) (*symbolLog, error) {
	l := &symbolLog{set: make(map[string]struct{})}
	if data, err := os.ReadFile(path); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if sym := strings.TrimSpace(line); sym != "" {
				l.set[sym] = struct{}{}
			}
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	l.file = f
	l.writer = bufio.NewWriter(f)
	return l, nil
}

func (l *symbolLog) has(sym string) bool {
	_, ok := l.set[sym]
	return ok
}

func (l *symbolLog) add(symbols ...string) error {
	for _, sym := range symbols {
		if l.has(sym) {
			continue
		}
		l.set[sym] = struct{}{}
		if _, err := l.writer.WriteString(sym + "\n"); err != nil {
			return fmt.Errorf("writing to %s: %w", filepath.Base(l.file.Name()), err)
		}
	}
	return l.writer.Flush()
}

func (l *symbolLog) close() error {
	l.writer.Flush()
	return l.file.Close()
}
