// Package eventlog implements the durable, append-only record of detected
// nonce events. One JSON record per line; appends are single-write atomic and
// fsynced, duplicates by transaction hash are suppressed, and a crash-torn
// trailing partial line is truncated on open so the file always ends on a
// record boundary.
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/polysentry/nonce-guard/pkg/event"
)

type Log struct {
	mu   sync.Mutex
	path string
	f    *os.File

	seen      map[string]struct{}
	lastBlock uint64
	count     int
}

func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	l := &Log{
		path: path,
		seen: make(map[string]struct{}),
	}

	if err := l.recover(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l.f = f

	return l, nil
}

// recover scans the existing file, rebuilds the dedup index, and truncates
// any torn trailing partial line left by a crash mid-write so that future
// appends land on a record boundary.
func (l *Log) recover() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	validEnd := 0
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var e event.NonceEvent
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		l.index(e)
	}

	if idx := bytes.LastIndexByte(data, '\n'); idx >= 0 {
		validEnd = idx + 1
	}
	if validEnd < len(data) {
		if err := os.Truncate(l.path, int64(validEnd)); err != nil {
			return fmt.Errorf("truncate torn tail: %w", err)
		}
	}

	return nil
}

func (l *Log) index(e event.NonceEvent) {
	l.seen[normalizeHash(e.TxHash)] = struct{}{}
	if e.Block > l.lastBlock {
		l.lastBlock = e.Block
	}
	l.count++
}

func normalizeHash(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

// Append writes the event durably. Appending an already-recorded transaction
// hash is a no-op, not an error; the bool reports whether the event was
// actually written. The record line is written in a single syscall and
// fsynced before returning.
func (l *Log) Append(e event.NonceEvent) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := normalizeHash(e.TxHash)
	if _, dup := l.seen[key]; dup {
		return false, nil
	}

	data, err := e.Serialize()
	if err != nil {
		return false, fmt.Errorf("serialize event %s: %w", e.TxHash, err)
	}
	data = append(data, '\n')

	if _, err := l.f.Write(data); err != nil {
		return false, fmt.Errorf("append event %s: %w", e.TxHash, err)
	}
	if err := l.f.Sync(); err != nil {
		return false, fmt.Errorf("sync event log: %w", err)
	}

	l.index(e)
	return true, nil
}

// ReplayFrom streams previously recorded events at or after blockNumber to
// fn in file order. Malformed or torn lines are skipped. Replay opens its own
// read handle, so it is safe to call concurrently with Append.
func (l *Log) ReplayFrom(blockNumber uint64, fn func(event.NonceEvent) error) error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if err != nil && err != io.EOF {
			return err
		}
		complete := err == nil

		line = strings.TrimSpace(line)
		// A final line without a newline is a torn partial write; skip it.
		if line != "" && complete {
			var e event.NonceEvent
			if jsonErr := json.Unmarshal([]byte(line), &e); jsonErr == nil && e.Block >= blockNumber {
				if fnErr := fn(e); fnErr != nil {
					return fnErr
				}
			}
		}

		if err == io.EOF {
			return nil
		}
	}
}

// RollbackAbove removes all events for blocks strictly greater than
// blockNumber. The surviving records are rewritten to a temp file which is
// fsynced and renamed over the log, so a crash mid-rollback leaves either the
// old or the new file, never a mix.
func (l *Log) RollbackAbove(blockNumber uint64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tmpPath := l.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}

	removed := 0
	kept := make(map[string]struct{})
	var keptLast uint64
	keptCount := 0

	err = l.ReplayFrom(0, func(e event.NonceEvent) error {
		if e.Block > blockNumber {
			removed++
			return nil
		}
		data, err := e.Serialize()
		if err != nil {
			return err
		}
		if _, err := tmp.Write(append(data, '\n')); err != nil {
			return err
		}
		kept[normalizeHash(e.TxHash)] = struct{}{}
		if e.Block > keptLast {
			keptLast = e.Block
		}
		keptCount++
		return nil
	})
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}

	if err := l.f.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return 0, err
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}
	l.f = f
	l.seen = kept
	l.lastBlock = keptLast
	l.count = keptCount

	return removed, nil
}

// LastBlock reports the highest block number recorded so far, 0 when empty.
func (l *Log) LastBlock() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastBlock
}

func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
