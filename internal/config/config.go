// Package config loads the run configuration. Policy that used to be easy
// to bake into control flow (label names, branch names, blacklists) lives
// here as data so changing it never touches scheduling logic. Secrets come
// from the environment, with a best-effort .env autoload.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/GTNewHorizons/MergeMasterXXL/internal/models"
)

// BranchNames holds the branch-name overrides for one run.
type BranchNames struct {
	Integration string `yaml:"integration"`
	Overlay     string `yaml:"overlay"`
	Error       string `yaml:"error"`
	Default     string `yaml:"default"`
}

// LabelPolicy is the label-driven filtering policy applied by the resolver.
// All matching is case-insensitive.
type LabelPolicy struct {
	// Blocking labels exclude a change outright.
	Blocking []string `yaml:"blocking"`
	// Ready labels: a change must carry at least one to be considered.
	Ready []string `yaml:"ready"`
	// NonRevertible marks changes whose disappearance after prior
	// inclusion cannot be recovered automatically.
	NonRevertible string `yaml:"non_revertible"`
}

// Blacklists exempt repositories from specific processing stages.
type Blacklists struct {
	Processing        []string `yaml:"processing"`
	Formatting        []string `yaml:"formatting"`
	DependencyUpdates []string `yaml:"dependency_updates"`
}

// Contains reports whether the list names the repository.
func contains(list []string, repo models.RepositoryID) bool {
	for _, entry := range list {
		if models.ParseRepositoryID(entry) == repo {
			return true
		}
	}
	return false
}

// ProcessingBlacklisted reports whether the repo is excluded entirely.
func (b Blacklists) ProcessingBlacklisted(repo models.RepositoryID) bool {
	return contains(b.Processing, repo)
}

// FormattingBlacklisted reports whether formatting normalization is skipped.
func (b Blacklists) FormattingBlacklisted(repo models.RepositoryID) bool {
	return contains(b.Formatting, repo)
}

// DependencyUpdatesBlacklisted reports whether dependency updates are skipped.
func (b Blacklists) DependencyUpdatesBlacklisted(repo models.RepositoryID) bool {
	return contains(b.DependencyUpdates, repo)
}

// RedisConfig enables the hosting-response cache when present.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ArchiveConfig enables object-store archival of escalation snapshots and
// run reports when present.
type ArchiveConfig struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Config is the full run configuration.
type Config struct {
	Organization    string         `yaml:"organization"`
	Repositories    []string       `yaml:"repositories"`
	Branches        BranchNames    `yaml:"branches"`
	Labels          LabelPolicy    `yaml:"labels"`
	Blacklists      Blacklists     `yaml:"blacklists"`
	ExternalChanges []string       `yaml:"external_changes"`
	Workdir         string         `yaml:"workdir"`
	DryRun          bool           `yaml:"dry_run"`
	Redis           *RedisConfig   `yaml:"redis"`
	Archive         *ArchiveConfig `yaml:"archive"`
}

// Load reads a YAML config file and applies defaults. A .env file beside
// the process, if any, is folded into the environment first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if len(cfg.Repositories) == 0 {
		return nil, fmt.Errorf("config names no repositories")
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Organization == "" {
		c.Organization = models.DefaultOrganization
	}
	if c.Branches.Integration == "" {
		c.Branches.Integration = "experimental"
	}
	if c.Branches.Overlay == "" {
		c.Branches.Overlay = "experimental-additions"
	}
	if c.Branches.Error == "" {
		c.Branches.Error = "experimental-error"
	}
	if c.Branches.Default == "" {
		c.Branches.Default = "master"
	}
	if len(c.Labels.Blocking) == 0 {
		c.Labels.Blocking = []string{"do not merge", "affects balance"}
	}
	if len(c.Labels.Ready) == 0 {
		c.Labels.Ready = []string{"ready to merge", "ready to accept"}
	}
	if c.Labels.NonRevertible == "" {
		c.Labels.NonRevertible = "not revertible"
	}
	if c.Workdir == "" {
		c.Workdir = "workdir"
	}
	if c.Redis != nil && c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "mergemaster"
	}
	if c.Archive != nil && c.Archive.KeyPrefix == "" {
		c.Archive.KeyPrefix = "mergemaster"
	}

	// Qualify bare repository names with the configured organization so
	// membership checks compare canonical identifiers.
	c.Repositories = c.qualify(c.Repositories)
	c.Blacklists.Processing = c.qualify(c.Blacklists.Processing)
	c.Blacklists.Formatting = c.qualify(c.Blacklists.Formatting)
	c.Blacklists.DependencyUpdates = c.qualify(c.Blacklists.DependencyUpdates)
}

func (c *Config) qualify(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		if !strings.Contains(n, "/") {
			n = c.Organization + "/" + n
		}
		out[i] = n
	}
	return out
}

// RepositoryIDs returns the configured repositories as identifiers.
func (c *Config) RepositoryIDs() []models.RepositoryID {
	out := make([]models.RepositoryID, 0, len(c.Repositories))
	for _, name := range c.Repositories {
		out = append(out, models.ParseRepositoryID(name))
	}
	return out
}

// ExternalChangeIDs parses the configured splice-in change references.
func (c *Config) ExternalChangeIDs() ([]models.ChangeID, error) {
	var out []models.ChangeID
	for _, ref := range c.ExternalChanges {
		id, err := models.ParseChangeID(ref, models.RepositoryID{})
		if err != nil {
			return nil, fmt.Errorf("external change %q: %w", ref, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// Token returns the hosting API token from the environment.
func (c *Config) Token() string {
	return os.Getenv("GITHUB_TOKEN")
}
