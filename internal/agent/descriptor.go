package agent

import (
	"sort"
	"strings"
	"time"
)

// Descriptor is the registry's view of an agent. Consumers receive copies
// and must treat them as possibly stale.
type Descriptor struct {
	ID           string             `json:"id"`
	Description  string             `json:"description,omitempty"`
	Capabilities []string           `json:"capabilities"`
	Weights      map[string]float64 `json:"weights,omitempty"`
	Priority     int                `json:"priority"`
	Load         int                `json:"load"`
	Healthy      bool               `json:"healthy"`
	Source       string             `json:"source"` // "config" or "runtime"
	LastSeen     time.Time          `json:"last_seen"`
}

// HasAll reports whether the agent advertises every capability in caps.
func (d Descriptor) HasAll(caps []string) bool {
	have := make(map[string]bool, len(d.Capabilities))
	for _, c := range d.Capabilities {
		have[c] = true
	}
	for _, c := range caps {
		if !have[c] {
			return false
		}
	}
	return true
}

// Score sums the agent's weight for each requested capability it has.
// Capabilities without an explicit weight count as 1.
func (d Descriptor) Score(caps []string) float64 {
	var score float64
	for _, c := range caps {
		if !contains(d.Capabilities, c) {
			continue
		}
		if w, ok := d.Weights[c]; ok {
			score += w
		} else {
			score++
		}
	}
	return score
}

// NormalizeCapabilities trims surrounding whitespace, drops empty and
// duplicate entries and sorts the set.
func NormalizeCapabilities(caps []string) []string {
	seen := make(map[string]bool, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
