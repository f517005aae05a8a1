package agentd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"openclaw/pkg/oops"
)

// Jail confines every path-role parameter to the configured allowed roots.
// Containment is decided on the canonical form of a path, so symlinks and
// dot-dot segments cannot smuggle an action outside the roots.
type Jail struct {
	roots []string
}

// NewJail canonicalizes the allowed roots. Roots must be absolute; a root
// that does not exist yet is kept in cleaned form.
func NewJail(roots []string) (*Jail, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("at least one allowed root is required")
	}
	canonical := make([]string, 0, len(roots))
	for _, root := range roots {
		if !filepath.IsAbs(root) {
			return nil, fmt.Errorf("allowed root must be absolute: %s", root)
		}
		resolved, err := canonicalize(filepath.Clean(root))
		if err != nil {
			resolved = filepath.Clean(root)
		}
		canonical = append(canonical, resolved)
	}
	return &Jail{roots: canonical}, nil
}

// Resolve canonicalizes p and returns it when it lies under an allowed root.
// The leaf may not exist yet; the deepest existing ancestor is resolved so a
// symlink planted anywhere on the way cannot escape.
func (j *Jail) Resolve(p string) (string, error) {
	if p == "" {
		return "", oops.New(oops.KindValidation, oops.CodeParamMissing, "path parameter is empty")
	}
	if !filepath.IsAbs(p) {
		return "", oops.Newf(oops.KindValidation, oops.CodePathOutsideJail, "path must be absolute: %s", p)
	}

	resolved, err := canonicalize(filepath.Clean(p))
	if err != nil {
		return "", oops.Newf(oops.KindValidation, oops.CodePathOutsideJail, "cannot resolve %s: %v", p, err)
	}

	for _, root := range j.roots {
		if within(resolved, root) {
			return resolved, nil
		}
	}
	return "", oops.Newf(oops.KindValidation, oops.CodePathOutsideJail, "path %s resolves outside the allowed roots", p)
}

// Roots returns the canonical allowed roots.
func (j *Jail) Roots() []string {
	out := make([]string, len(j.roots))
	copy(out, j.roots)
	return out
}

// canonicalize resolves symlinks on the longest existing prefix of abs and
// rejoins the not-yet-existing tail.
func canonicalize(abs string) (string, error) {
	suffix := ""
	cur := abs
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			// Walked past the volume root without finding anything.
			return "", err
		}
		suffix = filepath.Join(filepath.Base(cur), suffix)
		cur = parent
	}
}

// within reports whether path equals root or sits below it. Paths on a
// different volume are never within.
func within(path, root string) bool {
	if filepath.VolumeName(path) != filepath.VolumeName(root) {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
