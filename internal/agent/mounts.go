package agent

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// workspacePath is where the group folder lands inside the container.
const workspacePath = "/workspace"

// resolveMounts composes the container mounts for a group run: the group
// workspace read-write, plus each admitted additional mount under
// /workspace/extra. Non-main groups get additional mounts forced read-only.
// Rejected mounts are logged and skipped; a bad mount never blocks the run.
func resolveMounts(groupsDir string, group store.RegisteredGroup, policy config.MountPolicy) []Mount {
	mounts := []Mount{{
		Host:      filepath.Join(groupsDir, group.Folder),
		Container: workspacePath,
	}}

	if group.ContainerConfig == nil {
		return mounts
	}
	for _, extra := range group.ContainerConfig.AdditionalMounts {
		name := extra.Name
		if name == "" {
			name = filepath.Base(extra.HostPath)
		}
		if !validMountName(name) {
			slog.Warn("additional mount rejected", "group", group.Folder,
				"path", extra.HostPath, "reason", fmt.Sprintf("bad mount name %q", name))
			continue
		}
		ok, reason := policy.Allows(extra.HostPath)
		if !ok {
			slog.Warn("additional mount rejected", "group", group.Folder,
				"path", extra.HostPath, "reason", reason)
			continue
		}
		readOnly := extra.ReadOnly
		if !group.IsMain {
			readOnly = true
		}
		mounts = append(mounts, Mount{
			Host:      extra.HostPath,
			Container: filepath.Join(workspacePath, "extra", name),
			ReadOnly:  readOnly,
		})
	}
	return mounts
}

// validMountName keeps the container path under /workspace/extra.
func validMountName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}
