package db

import "testing"

const repoTestPrefix = "db:repository_test"

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultListLimit},
		{-3, DefaultListLimit},
		{10, 10},
		{MaxListLimit + 1, MaxListLimit},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("%s - clampLimit(%d) = %d, want %d", repoTestPrefix, tt.in, got, tt.want)
		}
	}
}

func TestNamespaceOf(t *testing.T) {
	tests := map[string]string{
		"file.read":         "file",
		"system.commands":   "system",
		"bogus":             "bogus",
		".hidden":           ".hidden",
		"calendar.list.all": "calendar",
	}
	for in, want := range tests {
		if got := NamespaceOf(in); got != want {
			t.Errorf("%s - NamespaceOf(%q) = %q, want %q", repoTestPrefix, in, got, want)
		}
	}
}
