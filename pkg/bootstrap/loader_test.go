package bootstrap

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestGetDefaultProfile(t *testing.T) {
	p := GetDefaultProfile()

	if p.Platform != runtime.GOOS {
		t.Errorf("bootstrap:loader_test - expected platform %s, got %s", runtime.GOOS, p.Platform)
	}
	if p.Version != Version {
		t.Errorf("bootstrap:loader_test - expected version %s, got %s", Version, p.Version)
	}
	if p.DisplayName == "" {
		t.Error("bootstrap:loader_test - expected a display name")
	}
	if p.Mode != "node" {
		t.Errorf("bootstrap:loader_test - expected mode node, got %s", p.Mode)
	}
}

func TestLoadProfile_ExplicitPathWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.json")
	data := `{"displayName":"Studio Mac","modelIdentifier":"Mac14,3","tags":{"room":"studio"}}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("bootstrap:loader_test - unexpected error: %v", err)
	}
	if p.DisplayName != "Studio Mac" {
		t.Errorf("bootstrap:loader_test - expected Studio Mac, got %s", p.DisplayName)
	}
	if p.ModelIdentifier != "Mac14,3" {
		t.Errorf("bootstrap:loader_test - expected Mac14,3, got %s", p.ModelIdentifier)
	}
	if p.Platform != runtime.GOOS {
		t.Errorf("bootstrap:loader_test - default platform should survive merge, got %s", p.Platform)
	}
	if p.Tags["room"] != "studio" {
		t.Errorf("bootstrap:loader_test - expected tag room=studio, got %v", p.Tags)
	}
}

func TestLoadProfile_SkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	good := filepath.Join(dir, "good.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(good, []byte(`{"displayName":"fallback"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadProfile(filepath.Join(dir, "missing.json"), bad, good)
	if err != nil {
		t.Fatalf("bootstrap:loader_test - unexpected error: %v", err)
	}
	if p.DisplayName != "fallback" {
		t.Errorf("bootstrap:loader_test - expected fallback, got %s", p.DisplayName)
	}
}

func TestLoadProfile_EnvPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.json")
	if err := os.WriteFile(path, []byte(`{"instanceId":"node-7"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BRIDGE_PROFILE_FILE", path)

	p, err := LoadProfile()
	if err != nil {
		t.Fatalf("bootstrap:loader_test - unexpected error: %v", err)
	}
	if p.InstanceID != "node-7" {
		t.Errorf("bootstrap:loader_test - expected node-7, got %s", p.InstanceID)
	}
}

func TestMergeProfiles(t *testing.T) {
	base := &NodeProfile{DisplayName: "a", Platform: "darwin", Version: "1.0.0", Tags: map[string]string{"x": "1"}}
	override := &NodeProfile{Version: "2.0.0", Tags: map[string]string{"y": "2"}}

	merged := MergeProfiles(base, override)
	if merged.DisplayName != "a" || merged.Version != "2.0.0" {
		t.Errorf("bootstrap:loader_test - unexpected merge result %+v", merged)
	}
	if merged.Tags["x"] != "1" || merged.Tags["y"] != "2" {
		t.Errorf("bootstrap:loader_test - expected both tags, got %v", merged.Tags)
	}
	merged.Tags["x"] = "changed"
	if base.Tags["x"] != "1" {
		t.Error("bootstrap:loader_test - merge must not alias base tags")
	}
}

func TestClientInfo(t *testing.T) {
	p := &NodeProfile{DisplayName: "n", Platform: "darwin", Version: "1.0.0", ModelIdentifier: "Mac14,3"}
	info := p.ClientInfo()
	if info["modelIdentifier"] != "Mac14,3" {
		t.Errorf("bootstrap:loader_test - modelIdentifier missing: %v", info)
	}
	if _, ok := info["instanceId"]; ok {
		t.Error("bootstrap:loader_test - empty fields should be omitted")
	}
}
