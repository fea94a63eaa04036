package semver

import (
	"strings"
	"testing"
)

func TestSatisfiesRange(t *testing.T) {
	tests := []struct {
		version string
		rng     string
		want    bool
	}{
		{"1.0.0", ">= 1.0.0, < 2.0.0", true},
		{"1.9.3", ">= 1.0.0, < 2.0.0", true},
		{"2.0.0", ">= 1.0.0, < 2.0.0", false},
		{"3", "3", true},
		{"3.4.1", "3", true},
		{"4.0.0", "3", false},
		{"1.2", "^1.0.0", true},
		{"garbage", "^1.0.0", false},
		{"1.0.0", "not a range", false},
	}
	for _, tt := range tests {
		if got := SatisfiesRange(tt.version, tt.rng); got != tt.want {
			t.Errorf("semver:resolver_test - SatisfiesRange(%q, %q) = %v, want %v", tt.version, tt.rng, got, tt.want)
		}
	}
}

func TestCheckProtocol(t *testing.T) {
	tests := []struct {
		name       string
		version    string
		constraint string
		wantErr    string
	}{
		{name: "in range", version: "1.2.0", constraint: ">= 1.0.0, < 2.0.0"},
		{name: "major only version", version: "1", constraint: ">= 1.0.0, < 2.0.0"},
		{name: "empty version accepted", version: "", constraint: ">= 1.0.0"},
		{name: "empty constraint accepted", version: "9.0.0", constraint: ""},
		{name: "out of range", version: "2.0.0", constraint: ">= 1.0.0, < 2.0.0", wantErr: "outside supported range"},
		{name: "unparseable version", version: "two", constraint: "^1.0.0", wantErr: "unparseable"},
		{name: "bad constraint", version: "1.0.0", constraint: ">>> 1", wantErr: "invalid protocol constraint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckProtocol(tt.version, tt.constraint)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("semver:resolver_test - unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("semver:resolver_test - expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
