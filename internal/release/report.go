package release

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Outcome classifies what happened to one target during a pass.
type Outcome string

const (
	OutcomeTagged        Outcome = "tagged"
	OutcomeDryRun        Outcome = "dry-run"
	OutcomeAlreadyTagged Outcome = "already-tagged"
	OutcomeFailed        Outcome = "failed"
)

// TargetReport is one target's line in the end-of-run report.
type TargetReport struct {
	Target          string  `yaml:"target"`
	Outcome         Outcome `yaml:"outcome"`
	Version         string  `yaml:"version,omitempty"`
	PipelineTracked bool    `yaml:"pipeline_tracked,omitempty"`
	Error           string  `yaml:"error,omitempty"`
}

// RepoOutcome summarizes one repository's integration cycle, recorded by the
// driver before scheduling begins.
type RepoOutcome struct {
	Repo      string `yaml:"repo"`
	Decision  string `yaml:"decision"`
	Merged    int    `yaml:"merged,omitempty"`
	Dropped   int    `yaml:"dropped,omitempty"`
	Escalated bool   `yaml:"escalated,omitempty"`
}

// Report accumulates per-repository integration outcomes and per-target
// release outcomes across one pass.
type Report struct {
	StartedAt    time.Time      `yaml:"started_at"`
	Repositories []RepoOutcome  `yaml:"repositories,omitempty"`
	Targets      []TargetReport `yaml:"targets"`

	index map[string]int
}

// NewReport starts an empty report stamped now.
func NewReport() *Report {
	return &Report{StartedAt: time.Now().UTC(), index: make(map[string]int)}
}

func (r *Report) upsert(target string) *TargetReport {
	if i, ok := r.index[target]; ok {
		return &r.Targets[i]
	}
	r.Targets = append(r.Targets, TargetReport{Target: target})
	r.index[target] = len(r.Targets) - 1
	return &r.Targets[len(r.Targets)-1]
}

// Tagged records a published (or dry-run) release.
func (r *Report) Tagged(target, version string, dryRun bool) {
	entry := r.upsert(target)
	entry.Version = version
	entry.Outcome = OutcomeTagged
	if dryRun {
		entry.Outcome = OutcomeDryRun
	}
}

// AlreadyTagged records an idempotent skip.
func (r *Report) AlreadyTagged(target, version string) {
	entry := r.upsert(target)
	entry.Version = version
	entry.Outcome = OutcomeAlreadyTagged
}

// TrackPipeline marks the target's pipeline as observable.
func (r *Report) TrackPipeline(target string) {
	r.upsert(target).PipelineTracked = true
}

// Fail records the error that stopped the pass at this target.
func (r *Report) Fail(target string, err error) {
	entry := r.upsert(target)
	entry.Outcome = OutcomeFailed
	entry.Error = err.Error()
}

// Lookup returns the entry for a target, if any.
func (r *Report) Lookup(target string) (TargetReport, bool) {
	i, ok := r.index[target]
	if !ok {
		return TargetReport{}, false
	}
	return r.Targets[i], true
}

// Encode renders the report for archival.
func (r *Report) Encode() ([]byte, error) {
	return yaml.Marshal(r)
}
