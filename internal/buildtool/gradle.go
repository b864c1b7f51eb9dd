// Package buildtool is the build-tool adapter. It drives the repository's
// Gradle wrapper for formatting normalization and dependency/buildscript
// updates, and rewrites pinned dependency versions in the dependency
// manifest. Every operation is a no-op when the tool is absent.
package buildtool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

const (
	wrapperScript = "gradlew"
	manifestFile  = "dependencies.gradle"
)

// Gradle shells out to a repository's Gradle wrapper.
type Gradle struct {
	log zerolog.Logger
}

// NewGradle constructs the adapter.
func NewGradle(log zerolog.Logger) *Gradle {
	return &Gradle{log: log}
}

// Available reports whether the working copy carries a Gradle wrapper.
func (g *Gradle) Available(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, wrapperScript))
	return err == nil && !info.IsDir()
}

func (g *Gradle) invoke(ctx context.Context, dir string, tasks ...string) error {
	cmd := exec.CommandContext(ctx, "./"+wrapperScript, tasks...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("gradle %s failed: %s: %w", strings.Join(tasks, " "), lastLines(string(output), 10), err)
	}
	return nil
}

// ApplyFormatting runs the formatting normalization task. No-op without a
// wrapper.
func (g *Gradle) ApplyFormatting(ctx context.Context, dir string) error {
	if !g.Available(dir) {
		g.log.Debug().Str("dir", dir).Msg("no gradle wrapper, skipping formatting")
		return nil
	}
	return g.invoke(ctx, dir, "spotlessApply")
}

// UpdateBuildscript refreshes dependencies and buildscript plumbing. No-op
// without a wrapper.
func (g *Gradle) UpdateBuildscript(ctx context.Context, dir string) error {
	if !g.Available(dir) {
		g.log.Debug().Str("dir", dir).Msg("no gradle wrapper, skipping dependency update")
		return nil
	}
	return g.invoke(ctx, dir, "updateDependencies", "updateBuildScript")
}

// PinDependency rewrites every pinned version of the named module in the
// dependency manifest. It returns whether anything changed; a repository
// without a manifest or without the dependency changes nothing.
func (g *Gradle) PinDependency(dir, organization, name, version string) (bool, error) {
	path := filepath.Join(dir, manifestFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	// Matches coordinates like com.github.GTNewHorizons:ModName:1.2.3
	// in either quote style, capturing everything up to the version.
	pattern, err := regexp.Compile(
		`(["'][^"']*` + regexp.QuoteMeta(organization) + `:` + regexp.QuoteMeta(name) + `:)([^"':]+)(["'])`)
	if err != nil {
		return false, err
	}

	updated := pattern.ReplaceAll(raw, []byte(`${1}`+version+`${3}`))
	if string(updated) == string(raw) {
		return false, nil
	}
	if err := os.WriteFile(path, updated, 0o644); err != nil {
		return false, err
	}
	return true, nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
