package container

import (
	"fmt"
	"path/filepath"
	"strings"
)

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// parseMounts reads "source:target[:ro]" entries. Relative sources resolve
// against the working directory.
func parseMounts(specs []string) ([]Mount, error) {
	mounts := make([]Mount, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Split(spec, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid mount %q, want source:target[:ro]", spec)
		}
		if !strings.HasPrefix(parts[1], "/") {
			return nil, fmt.Errorf("mount target %q must be absolute", parts[1])
		}
		m := Mount{Source: parts[0], Target: parts[1]}
		if len(parts) == 3 {
			if parts[2] != "ro" {
				return nil, fmt.Errorf("invalid mount mode %q in %q", parts[2], spec)
			}
			m.ReadOnly = true
		}
		if !filepath.IsAbs(m.Source) {
			abs, err := filepath.Abs(m.Source)
			if err != nil {
				return nil, fmt.Errorf("resolve %s: %w", m.Source, err)
			}
			m.Source = abs
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}

func binds(mounts []Mount) []string {
	var out []string
	for _, m := range mounts {
		bind := fmt.Sprintf("%s:%s", m.Source, m.Target)
		if m.ReadOnly {
			bind += ":ro"
		}
		out = append(out, bind)
	}
	return out
}
