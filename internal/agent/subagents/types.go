// Package subagents implements the orchestration engine for child agent
// "runs" spawned by a parent agent: registry, lifecycle state machine,
// retry scheduler with prompt rewriting, an optional agent-backed
// verification step, cleanup/announce, and crash-recovery restore.
//
// The engine never talks to a model or a child agent process directly; it
// consumes a Gateway capability (start/query/wait) and an event bus that
// delivers lifecycle events. See gateway.go for the consumed contracts.
package subagents

import (
	"sync"
	"time"
)

// CleanupPolicy controls what happens to the child session after announce.
type CleanupPolicy string

const (
	CleanupDelete CleanupPolicy = "delete"
	CleanupKeep   CleanupPolicy = "keep"
)

// VerificationVerdict is the outcome of a completed verification attempt.
type VerificationVerdict string

const (
	VerificationPassed  VerificationVerdict = "passed"
	VerificationFailed  VerificationVerdict = "failed"
	VerificationSkipped VerificationVerdict = "skipped"
)

// OutcomeStatus is the terminal status of a run's latest attempt.
type OutcomeStatus string

const (
	OutcomeOK    OutcomeStatus = "ok"
	OutcomeError OutcomeStatus = "error"
)

// Outcome is the latest terminal outcome recorded for a run.
type Outcome struct {
	Status OutcomeStatus `json:"status"`
	Error  string        `json:"error,omitempty"`
}

// DeliveryContext is a normalised transport/context tag carried alongside the
// requester session key so the announce flow can route delivery correctly
// (e.g. "chat", "comm:slack", "cron"). The engine never interprets it beyond
// passing it through to the announce payload.
type DeliveryContext string

// OrchestrationConfig is the effective retry/verify policy for a single run,
// snapshotted at registration time and never mutated afterward.
type OrchestrationConfig struct {
	RetryOnFailure             bool    `yaml:"retry_on_failure" json:"retryOnFailure"`
	MaxRetries                 int     `yaml:"max_retries" json:"maxRetries"`
	BackoffMultiplier          float64 `yaml:"backoff_multiplier" json:"backoffMultiplier"`
	InitialDelayMs             int     `yaml:"initial_delay_ms" json:"initialDelayMs"`
	MaxDelayMs                 int     `yaml:"max_delay_ms" json:"maxDelayMs"`
	VerifyCompletion           bool    `yaml:"verify_completion" json:"verifyCompletion"`
	VerificationPrompt         string  `yaml:"verification_prompt" json:"verificationPrompt"`
	VerificationTimeoutSeconds int     `yaml:"verification_timeout_seconds" json:"verificationTimeoutSeconds"`
	RetryOnVerificationFailure bool    `yaml:"retry_on_verification_failure" json:"retryOnVerificationFailure"`
	VerificationHook           string  `yaml:"verification_hook" json:"verificationHook"`
}

// hardDefaults are the hard-coded fallback values per spec.md §4.1, lowest
// precedence in the overlay.
func hardDefaults() OrchestrationConfig {
	return OrchestrationConfig{
		RetryOnFailure:             false,
		MaxRetries:                 3,
		BackoffMultiplier:          2,
		InitialDelayMs:             1000,
		MaxDelayMs:                 60000,
		VerifyCompletion:           false,
		VerificationPrompt:         "",
		VerificationTimeoutSeconds: 30,
		RetryOnVerificationFailure: true,
		VerificationHook:           "",
	}
}

// overlay composes the effective policy from (highest precedence first):
// per-call override, process configuration, hard-coded defaults. process is
// always a fully-resolved OrchestrationConfig (LoadEngineConfig resolves the
// YAML process layer onto hardDefaults via applyOverride, the same
// pointer-based "explicit vs. unset" discipline the per-call override uses),
// so it is taken as-is rather than re-merged field-by-field here — doing the
// merge twice, once by value and once by pointer, is what previously let a
// zero-value bool in one layer silently clobber a true default in another.
func overlay(override *OrchestrationOverride, process *OrchestrationConfig) OrchestrationConfig {
	cfg := hardDefaults()
	if process != nil {
		cfg = *process
	}
	if override != nil {
		applyOverride(&cfg, override)
	}
	return cfg
}

// OrchestrationOverride distinguishes "not specified" (nil, falls through to
// the next layer) from an explicit value via pointer fields. It is used both
// for the per-call override (RegisterParams.Override) and, via its yaml
// tags, for the process-level `orchestration` config section — the same
// explicit-set discipline applies at both layers so an omitted YAML field
// never overwrites a hard default.
type OrchestrationOverride struct {
	RetryOnFailure             *bool    `yaml:"retry_on_failure"`
	MaxRetries                 *int     `yaml:"max_retries"`
	BackoffMultiplier          *float64 `yaml:"backoff_multiplier"`
	InitialDelayMs             *int     `yaml:"initial_delay_ms"`
	MaxDelayMs                 *int     `yaml:"max_delay_ms"`
	VerifyCompletion           *bool    `yaml:"verify_completion"`
	VerificationPrompt         *string  `yaml:"verification_prompt"`
	VerificationTimeoutSeconds *int     `yaml:"verification_timeout_seconds"`
	RetryOnVerificationFailure *bool    `yaml:"retry_on_verification_failure"`
	VerificationHook           *string  `yaml:"verification_hook"`
}

func applyOverride(dst *OrchestrationConfig, o *OrchestrationOverride) {
	if o.RetryOnFailure != nil {
		dst.RetryOnFailure = *o.RetryOnFailure
	}
	if o.MaxRetries != nil {
		dst.MaxRetries = *o.MaxRetries
	}
	if o.BackoffMultiplier != nil {
		dst.BackoffMultiplier = *o.BackoffMultiplier
	}
	if o.InitialDelayMs != nil {
		dst.InitialDelayMs = *o.InitialDelayMs
	}
	if o.MaxDelayMs != nil {
		dst.MaxDelayMs = *o.MaxDelayMs
	}
	if o.VerifyCompletion != nil {
		dst.VerifyCompletion = *o.VerifyCompletion
	}
	if o.VerificationPrompt != nil {
		dst.VerificationPrompt = *o.VerificationPrompt
	}
	if o.VerificationTimeoutSeconds != nil {
		dst.VerificationTimeoutSeconds = *o.VerificationTimeoutSeconds
	}
	if o.RetryOnVerificationFailure != nil {
		dst.RetryOnVerificationFailure = *o.RetryOnVerificationFailure
	}
	if o.VerificationHook != nil {
		dst.VerificationHook = *o.VerificationHook
	}
}

// RunRecord is the persistent orchestration state for a single run. It is
// the single entity in the data model; everything else is a value type.
type RunRecord struct {
	RunID                string        `json:"runId"`
	ChildSessionKey      string        `json:"childSessionKey"`
	RequesterSessionKey  string        `json:"requesterSessionKey"`
	RequesterOrigin      DeliveryContext `json:"requesterOrigin"`
	RequesterDisplayKey  string        `json:"requesterDisplayKey"`
	Task                 string        `json:"task"`
	Label                string        `json:"label,omitempty"`
	Cleanup              CleanupPolicy `json:"cleanup"`
	CreatedAt            int64         `json:"createdAt"`
	StartedAt            *int64        `json:"startedAt,omitempty"`
	EndedAt              *int64        `json:"endedAt,omitempty"`
	Outcome              *Outcome      `json:"outcome,omitempty"`
	ArchiveAtMs          *int64        `json:"archiveAtMs,omitempty"`
	CleanupHandled       bool          `json:"cleanupHandled"`
	CleanupCompletedAt   *int64        `json:"cleanupCompletedAt,omitempty"`
	RetryCount           int           `json:"retryCount"`
	MaxRetries           int           `json:"maxRetries"`
	NextRetryAt          *int64        `json:"nextRetryAt,omitempty"`
	IsRetry              bool          `json:"isRetry"`
	VerificationAttempted bool         `json:"verificationAttempted"`
	VerificationResult   *VerificationVerdict `json:"verificationResult,omitempty"`
	OrchestrationConfig  OrchestrationConfig  `json:"orchestrationConfig"`

	// Unknown fields preserved verbatim on round-trip through a version-1
	// (or otherwise unrecognised) persisted document. Never populated by
	// in-process mutation; only by the store loader.
	unknown map[string]any `json:"-"`

	mu sync.Mutex `json:"-"`
}

// clone returns a deep-enough copy for safe return to callers (ListForRequester,
// the store, the announce and verification paths) without exposing the live
// record to outside mutation. It locks r.mu, so callers must not hold it.
func (r *RunRecord) clone() *RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r
	cp.mu = sync.Mutex{}
	if r.StartedAt != nil {
		v := *r.StartedAt
		cp.StartedAt = &v
	}
	if r.EndedAt != nil {
		v := *r.EndedAt
		cp.EndedAt = &v
	}
	if r.Outcome != nil {
		v := *r.Outcome
		cp.Outcome = &v
	}
	if r.ArchiveAtMs != nil {
		v := *r.ArchiveAtMs
		cp.ArchiveAtMs = &v
	}
	if r.CleanupCompletedAt != nil {
		v := *r.CleanupCompletedAt
		cp.CleanupCompletedAt = &v
	}
	if r.NextRetryAt != nil {
		v := *r.NextRetryAt
		cp.NextRetryAt = &v
	}
	if r.VerificationResult != nil {
		v := *r.VerificationResult
		cp.VerificationResult = &v
	}
	return &cp
}

func nowMs(now func() time.Time) int64 {
	return now().UnixMilli()
}

func ptr[T any](v T) *T { return &v }
