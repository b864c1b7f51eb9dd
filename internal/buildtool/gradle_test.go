package buildtool

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestAvailable(t *testing.T) {
	g := NewGradle(zerolog.Nop())
	dir := t.TempDir()
	if g.Available(dir) {
		t.Error("empty dir should have no wrapper")
	}
	if err := os.WriteFile(filepath.Join(dir, "gradlew"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if !g.Available(dir) {
		t.Error("wrapper not detected")
	}
}

func TestFormattingIsNoOpWithoutWrapper(t *testing.T) {
	g := NewGradle(zerolog.Nop())
	dir := t.TempDir()
	if err := g.ApplyFormatting(context.Background(), dir); err != nil {
		t.Errorf("missing wrapper should be a no-op, got %v", err)
	}
	if err := g.UpdateBuildscript(context.Background(), dir); err != nil {
		t.Errorf("missing wrapper should be a no-op, got %v", err)
	}
}

func TestPinDependency(t *testing.T) {
	g := NewGradle(zerolog.Nop())
	dir := t.TempDir()
	manifest := `dependencies {
    api("com.github.GTNewHorizons:NewHorizonsCoreMod:2.3.1")
    implementation('com.github.GTNewHorizons:Angelica:1.0.0-pre')
    api("com.github.OtherOrg:NewHorizonsCoreMod:9.9.9")
}
`
	path := filepath.Join(dir, "dependencies.gradle")
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	changed, err := g.PinDependency(dir, "GTNewHorizons", "NewHorizonsCoreMod", "2.3.2-pre")
	if err != nil {
		t.Fatalf("PinDependency: %v", err)
	}
	if !changed {
		t.Fatal("expected a rewrite")
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := `dependencies {
    api("com.github.GTNewHorizons:NewHorizonsCoreMod:2.3.2-pre")
    implementation('com.github.GTNewHorizons:Angelica:1.0.0-pre')
    api("com.github.OtherOrg:NewHorizonsCoreMod:9.9.9")
}
`
	if string(got) != want {
		t.Errorf("manifest after pin:\n%s\nwant:\n%s", got, want)
	}

	// Pinning the same version again changes nothing.
	changed, err = g.PinDependency(dir, "GTNewHorizons", "NewHorizonsCoreMod", "2.3.2-pre")
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("idempotent pin reported a change")
	}
}

func TestPinDependencyNoManifest(t *testing.T) {
	g := NewGradle(zerolog.Nop())
	changed, err := g.PinDependency(t.TempDir(), "GTNewHorizons", "Angelica", "1.0.1")
	if err != nil || changed {
		t.Errorf("missing manifest should be a silent no-op, got %v %v", changed, err)
	}
}
