package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

// MountPolicy controls which host paths may be bind-mounted into agent
// containers. It is read from a host-only file that is itself never mounted
// into any container, so a compromised agent cannot widen its own policy.
type MountPolicy struct {
	// AllowedRoots are the directories under which mount sources must live.
	AllowedRoots []string `json:"allowed_roots"`
	// BlockedPatterns are globs matched against every path segment and the
	// basename of a candidate source. A single match rejects the mount.
	BlockedPatterns []string `json:"blocked_patterns,omitempty"`
}

// defaultBlockedPatterns reject credential material even when a requested
// path sits under an allowed root.
var defaultBlockedPatterns = []string{
	".ssh",
	".gnupg",
	".aws",
	".kube",
	".docker",
	".env*",
	"*.pem",
	"*.key",
	"credentials*",
	"secrets*",
}

// LoadMountPolicy reads the policy file. A missing path yields an empty
// policy (no extra mounts allowed), which is the safe default.
func LoadMountPolicy(path string) (*MountPolicy, error) {
	p := &MountPolicy{BlockedPatterns: defaultBlockedPatterns}
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, fmt.Errorf("read mount allowlist: %w", err)
	}
	var loaded MountPolicy
	if err := json5.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parse mount allowlist: %w", err)
	}
	p.AllowedRoots = loaded.AllowedRoots
	if len(loaded.BlockedPatterns) > 0 {
		p.BlockedPatterns = append(p.BlockedPatterns, loaded.BlockedPatterns...)
	}
	return p, nil
}

// Allows reports whether hostPath may be mounted under this policy, with a
// human-readable reason on rejection.
func (p *MountPolicy) Allows(hostPath string) (bool, string) {
	if !filepath.IsAbs(hostPath) {
		return false, "mount source must be an absolute path"
	}
	clean := filepath.Clean(hostPath)

	under := false
	for _, root := range p.AllowedRoots {
		root = filepath.Clean(root)
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			under = true
			break
		}
	}
	if !under {
		return false, "mount source is outside the allow-list roots"
	}

	for _, seg := range strings.Split(clean, string(filepath.Separator)) {
		if seg == "" {
			continue
		}
		for _, pat := range p.BlockedPatterns {
			if ok, _ := filepath.Match(pat, seg); ok {
				return false, fmt.Sprintf("mount source matches blocked pattern %q", pat)
			}
		}
	}
	return true, ""
}
