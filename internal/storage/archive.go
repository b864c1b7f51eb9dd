package storage

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GTNewHorizons/MergeMasterXXL/internal/models"
)

// Archive persists escalation snapshots and end-of-run reports to an object
// store, namespaced under a key prefix. It exists for operators digging into
// a failed cycle after the fact; nothing in the scheduling path reads back
// from it.
type Archive struct {
	store  ObjectStore
	prefix string
	now    func() time.Time
}

// NewArchive constructs an archive over the given store.
func NewArchive(store ObjectStore, prefix string) *Archive {
	return &Archive{store: store, prefix: prefix, now: time.Now}
}

// EscalationSnapshot captures the context of an escalated integration
// failure alongside the error-branch publish.
type EscalationSnapshot struct {
	Repo          string    `yaml:"repo"`
	FailedChange  string    `yaml:"failed_change,omitempty"`
	ErrorBranch   string    `yaml:"error_branch"`
	IntegrationAt string    `yaml:"integration_tip"`
	Reason        string    `yaml:"reason"`
	At            time.Time `yaml:"at"`
}

func (a *Archive) key(parts ...string) string {
	key := a.prefix
	for _, p := range parts {
		key += "/" + p
	}
	return key
}

// SaveEscalation archives an escalation snapshot for the repository.
func (a *Archive) SaveEscalation(ctx context.Context, repo models.RepositoryID, snap EscalationSnapshot) error {
	snap.Repo = repo.String()
	if snap.At.IsZero() {
		snap.At = a.now()
	}
	raw, err := yaml.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("encode escalation snapshot: %w", err)
	}
	key := a.key("escalations", repo.Organization, repo.Name, snap.At.UTC().Format("20060102T150405Z")+".yaml")
	return a.store.PutObject(ctx, key, raw)
}

// SaveReport archives the end-of-run report.
func (a *Archive) SaveReport(ctx context.Context, startedAt time.Time, report []byte) error {
	key := a.key("reports", startedAt.UTC().Format("20060102T150405Z")+".yaml")
	return a.store.PutObject(ctx, key, report)
}
