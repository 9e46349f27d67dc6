package toolruntime

import (
	"path/filepath"
	"strings"

	"github.com/nexuscore/nexuscore/internal/core"
)

// ScopeRule is the filesystem-containment check: a path p is inside d
// iff relative(d, p) does not begin with ".." and is not absolute.
type ScopeRule struct {
	HomeDir                      string
	WorkingDirectory              string
	AllowOutsideWorkingDirectory bool
}

// CheckPath enforces the containment rule: a path is in scope if it
// falls under the agent's home directory, or under the working
// directory, regardless of AllowOutsideWorkingDirectory (home is always
// writable by its owning agent). Only once neither bound applies, and
// no home directory is configured to bound against, does
// AllowOutsideWorkingDirectory admit an arbitrary path -- and even then
// the path must be clean and absolute.
func (s ScopeRule) CheckPath(path string) error {
	if s.HomeDir != "" && containedIn(s.HomeDir, path) == nil {
		return nil
	}
	if s.WorkingDirectory != "" && containedIn(s.WorkingDirectory, path) == nil {
		return nil
	}
	if s.AllowOutsideWorkingDirectory && s.HomeDir == "" {
		return isCleanAbsolutePath(path)
	}
	return core.NewError(core.ErrTypeScopeViolation, "path %q is outside the permitted scope", path)
}

// isCleanAbsolutePath rejects relative paths and any path carrying a
// ".." segment, even when no working directory or home bounds it.
func isCleanAbsolutePath(path string) error {
	if !filepath.IsAbs(path) {
		return core.NewError(core.ErrTypeScopeViolation, "path %q is not absolute", path)
	}
	if filepath.Clean(path) != path {
		return core.NewError(core.ErrTypeScopeViolation, "path %q is not a clean path", path)
	}
	return nil
}

// containedIn reports an error unless path resolves inside dir:
// relative(d, p) must not begin with ".." and must not itself be
// absolute.
func containedIn(dir, path string) error {
	if dir == "" {
		return core.NewError(core.ErrTypeScopeViolation, "no directory configured to scope %q against", path)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return core.Wrap(core.ErrTypeScopeViolation, err, "resolving scope directory %q", dir)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return core.Wrap(core.ErrTypeScopeViolation, err, "resolving path %q", path)
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return core.Wrap(core.ErrTypeScopeViolation, err, "path %q is not scoped under %q", path, dir)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return core.NewError(core.ErrTypeScopeViolation, "path %q escapes scope %q", path, dir)
	}
	return nil
}

// AgentHomeDir derives a per-agent home directory from the agent's
// pubkey prefix, keying per-agent state directories off identity rather
// than slug (slugs are mutable display names; pubkeys are not).
func AgentHomeDir(baseDir, pubkey string) string {
	prefix := pubkey
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	return filepath.Join(baseDir, "agents", prefix)
}
