// Package ledger persists the per-subject record of which pipeline
// stage has produced which file. Stages run as separate processes;
// the ledger file is their only coordination mechanism. Every stage
// loads it before starting, consults it for prior artifacts, and
// extends it with its own outputs.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the ledger's name within a subject's output directory.
const FileName = "hcp_asl.json"

// SelfKey is the ledger entry holding the ledger's own persistence
// location, making the file self-describing.
const SelfKey = "json_name"

// LedgerMissingError reports a stage run before subject
// initialization.
type LedgerMissingError struct {
	Path string
}

func (e *LedgerMissingError) Error() string {
	return fmt.Sprintf("ledger %s does not exist; run the setup stage for this subject first", e.Path)
}

// Ledger maps symbolic artifact names to absolute file paths for one
// subject. Mutation is additive: stages add entries, they do not
// remove them.
type Ledger struct {
	entries map[string]string
}

// Create starts a fresh ledger rooted at a subject's output directory
// and persists it immediately. A ledger belongs to exactly one
// subject; reuse across subjects is forbidden.
func Create(subjectDir string) (*Ledger, error) {
	if err := os.MkdirAll(subjectDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create subject directory: %w", err)
	}
	path, err := filepath.Abs(filepath.Join(subjectDir, FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve ledger path: %w", err)
	}
	l := &Ledger{entries: map[string]string{SelfKey: path}}
	if err := l.persist(); err != nil {
		return nil, err
	}
	return l, nil
}

// Load reads a subject's ledger from disk. A missing ledger is a
// LedgerMissingError: the setup stage has not run yet.
func Load(subjectDir string) (*Ledger, error) {
	path := filepath.Join(subjectDir, FileName)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &LedgerMissingError{Path: path}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	entries := make(map[string]string)
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse ledger %s: %w", path, err)
	}
	if _, ok := entries[SelfKey]; !ok {
		// Older files may predate the self-describing entry; restore it.
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve ledger path: %w", err)
		}
		entries[SelfKey] = abs
	}
	return &Ledger{entries: entries}, nil
}

// Put merges entries into the ledger and persists the full merged
// mapping, not just the delta. Writing an existing key overwrites it.
func (l *Ledger) Put(entries map[string]string) error {
	for k, v := range entries {
		l.entries[k] = v
	}
	return l.persist()
}

// Get returns the path stored under a key.
func (l *Ledger) Get(key string) (string, bool) {
	v, ok := l.entries[key]
	return v, ok
}

// Path returns the path stored under a key, or an error naming the
// missing key so the failing stage can be identified.
func (l *Ledger) Path(key string) (string, error) {
	v, ok := l.entries[key]
	if !ok {
		return "", fmt.Errorf("ledger has no entry for %q; an earlier stage has not produced it", key)
	}
	return v, nil
}

// Len returns the number of entries.
func (l *Ledger) Len() int { return len(l.entries) }

// persist rewrites the whole ledger file, sorted by key, via a
// temporary file renamed into place.
func (l *Ledger) persist() error {
	path := l.entries[SelfKey]
	data, err := json.MarshalIndent(l.entries, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}
	tmp := path + ".part"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move ledger into place: %w", err)
	}
	return nil
}

// NeedsUpdate reports whether a stage output should be recomputed:
// true when the file is missing, or always when forceRefresh is set.
// This is a caching contract, not a correctness one; outputs are
// existence-checked, never content-validated.
func NeedsUpdate(path string, forceRefresh bool) bool {
	if forceRefresh {
		return true
	}
	_, err := os.Stat(path)
	return err != nil
}
