package subagents

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/fieldstone-labs/subagent-engine/internal/logging"
)

var storeLog = logging.Tagged("subagents.store")

const currentSchemaVersion = 2

// knownRunRecordFields lists the JSON tags RunRecord understands. Anything
// else found in a persisted document is preserved verbatim in .unknown so a
// round-trip never silently drops data (spec.md §4.2: "version-1 schema;
// migrate by taking unknown fields verbatim into the record").
var knownRunRecordFields = map[string]bool{
	"runId": true, "childSessionKey": true, "requesterSessionKey": true,
	"requesterOrigin": true, "requesterDisplayKey": true, "task": true,
	"label": true, "cleanup": true, "createdAt": true, "startedAt": true,
	"endedAt": true, "outcome": true, "archiveAtMs": true,
	"cleanupHandled": true, "cleanupCompletedAt": true, "retryCount": true,
	"maxRetries": true, "nextRetryAt": true, "isRetry": true,
	"verificationAttempted": true, "verificationResult": true,
	"orchestrationConfig": true,
}

// document is the on-disk shape: { "version": N, "runs": {...} }.
type document struct {
	Version int                        `json:"version"`
	Runs    map[string]json.RawMessage `json:"runs"`
}

// Store persists the registry's RunRecord map as a single JSON document.
// Every persisting mutation replaces the file atomically (write-temp then
// rename); persistence errors are swallowed — logged as warnings, never
// surfaced to callers (spec.md §4.2, §7).
type Store struct {
	path string
}

// NewStore creates a Store backed by "<stateDir>/subagents/runs.json".
func NewStore(stateDir string) *Store {
	return &Store{path: runsFilePath(stateDir)}
}

// Save serialises the full in-memory map and replaces the persisted file.
// Errors are logged and swallowed — the caller's in-memory state remains
// authoritative regardless of disk failures.
func (s *Store) Save(records map[string]*RunRecord) {
	if err := s.save(records); err != nil {
		storeLog.Warnf("persist failed: %v", err)
	}
}

func (s *Store) save(records map[string]*RunRecord) error {
	doc := document{Version: currentSchemaVersion, Runs: make(map[string]json.RawMessage, len(records))}
	// Deterministic key order keeps diffs/tests stable; not required by spec.
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rec := records[id].clone()
		raw, err := marshalRecord(rec)
		if err != nil {
			return fmt.Errorf("marshal run %s: %w", id, err)
		}
		doc.Runs[id] = raw
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".runs-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Load reads the persisted document, tolerating a missing file (returns an
// empty map), malformed individual records (skipped, logged), and the
// version-1 schema (unknown fields kept verbatim on the record).
func (s *Store) Load() (map[string]*RunRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*RunRecord{}, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}

	out := make(map[string]*RunRecord, len(doc.Runs))
	for id, raw := range doc.Runs {
		rec, err := unmarshalRecord(raw)
		if err != nil {
			storeLog.Warnf("skipping malformed record %s: %v", id, err)
			continue
		}
		if rec.RunID == "" {
			rec.RunID = id
		}
		out[id] = rec
	}
	return out, nil
}

func marshalRecord(rec *RunRecord) (json.RawMessage, error) {
	base, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if len(rec.unknown) == 0 {
		return base, nil
	}
	merged := map[string]any{}
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range rec.unknown {
		if _, known := knownRunRecordFields[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

func unmarshalRecord(raw json.RawMessage) (*RunRecord, error) {
	var rec RunRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	unknown := make(map[string]any)
	for k, v := range fields {
		if !knownRunRecordFields[k] {
			unknown[k] = v
		}
	}
	rec.unknown = unknown
	return &rec, nil
}
