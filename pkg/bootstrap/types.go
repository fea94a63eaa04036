// Package bootstrap loads the node profile the bridge reports to its gateway
// and to local adapters.
package bootstrap

// NodeProfile describes this installation. It travels in the pairing hello
// as the client block and is returned by system.info.
type NodeProfile struct {
	DisplayName     string            `json:"displayName"`
	Platform        string            `json:"platform"`
	Version         string            `json:"version"`
	DeviceFamily    string            `json:"deviceFamily,omitempty"`
	ModelIdentifier string            `json:"modelIdentifier,omitempty"`
	InstanceID      string            `json:"instanceId,omitempty"`
	Mode            string            `json:"mode,omitempty"`
	Tags            map[string]string `json:"tags,omitempty"`
}

// ClientInfo is the wire form of the profile.
func (p *NodeProfile) ClientInfo() map[string]interface{} {
	info := map[string]interface{}{
		"displayName": p.DisplayName,
		"platform":    p.Platform,
		"version":     p.Version,
	}
	if p.DeviceFamily != "" {
		info["deviceFamily"] = p.DeviceFamily
	}
	if p.ModelIdentifier != "" {
		info["modelIdentifier"] = p.ModelIdentifier
	}
	if p.InstanceID != "" {
		info["instanceId"] = p.InstanceID
	}
	if p.Mode != "" {
		info["mode"] = p.Mode
	}
	return info
}
