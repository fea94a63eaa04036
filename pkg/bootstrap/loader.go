package bootstrap

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

const logPrefix = "bootstrap:loader"

// Version is the bridge release reported when the profile does not override it.
var Version = "0.1.0"

// LoadProfile loads the node profile from file paths or environment.
// It tries paths in order: first any paths passed in, then BRIDGE_PROFILE_FILE env, then defaults.
// Fields missing from the file keep their default values.
func LoadProfile(paths ...string) (*NodeProfile, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv("BRIDGE_PROFILE_FILE"); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/profile.json", "profile.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		var override NodeProfile
		if err := json.Unmarshal(data, &override); err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse profile file %s: %v", logPrefix, p, err))
			continue
		}

		slog.Info(fmt.Sprintf("%s - Loaded node profile from %s", logPrefix, p))
		return MergeProfiles(GetDefaultProfile(), &override), nil
	}

	slog.Info(fmt.Sprintf("%s - Using default node profile", logPrefix))
	return GetDefaultProfile(), nil
}

// GetDefaultProfile derives a profile from the host.
func GetDefaultProfile() *NodeProfile {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "hostbridge"
	}
	return &NodeProfile{
		DisplayName:  host,
		Platform:     runtime.GOOS,
		Version:      Version,
		DeviceFamily: deviceFamily(runtime.GOOS),
		Mode:         "node",
	}
}

// MergeProfiles overlays the non-empty fields of override onto base.
func MergeProfiles(base, override *NodeProfile) *NodeProfile {
	merged := *base

	if override.DisplayName != "" {
		merged.DisplayName = override.DisplayName
	}
	if override.Platform != "" {
		merged.Platform = override.Platform
	}
	if override.Version != "" {
		merged.Version = override.Version
	}
	if override.DeviceFamily != "" {
		merged.DeviceFamily = override.DeviceFamily
	}
	if override.ModelIdentifier != "" {
		merged.ModelIdentifier = override.ModelIdentifier
	}
	if override.InstanceID != "" {
		merged.InstanceID = override.InstanceID
	}
	if override.Mode != "" {
		merged.Mode = override.Mode
	}

	if len(base.Tags) > 0 || len(override.Tags) > 0 {
		merged.Tags = make(map[string]string, len(base.Tags)+len(override.Tags))
		for k, v := range base.Tags {
			merged.Tags[k] = v
		}
		for k, v := range override.Tags {
			merged.Tags[k] = v
		}
	}

	return &merged
}

func deviceFamily(goos string) string {
	switch goos {
	case "darwin":
		return "Mac"
	case "linux":
		return "Linux"
	case "windows":
		return "Windows"
	}
	return goos
}
