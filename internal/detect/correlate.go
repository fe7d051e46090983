package detect

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/umbrix/backend/internal/core"
)

// CorrelationGroup is one equivalence class of automations that likely
// represent the same logical workflow across platforms. The correlator only
// annotates; it never merges rows.
type CorrelationGroup struct {
	ID         string   `json:"id"`
	MemberIDs  []string `json:"memberIds"`
	Platforms  []string `json:"platforms"`
	Confidence float64  `json:"confidence"`
	Signals    []string `json:"signals"`
}

// Correlator groups automations across platforms by shared owner, OAuth
// client collision, URL pattern overlap and temporal proximity of triggers.
type Correlator struct {
	// ProximityWindow bounds how close two first-discovery times must be for
	// the temporal signal to fire.
	ProximityWindow time.Duration
}

// NewCorrelator returns a correlator with the default 10 minute window.
func NewCorrelator() *Correlator {
	return &Correlator{ProximityWindow: 10 * time.Minute}
}

// signal weights; independent evidence combines like the classifier's.
const (
	weightSharedOwner    = 0.45
	weightClientID       = 0.80
	weightURLPattern     = 0.50
	weightTemporal       = 0.25
	correlationThreshold = 0.5
)

// Correlate computes equivalence classes over one tenant's automations and
// stamps each member's Detection.CorrelationID. platformOf resolves each
// automation's platform from its connection. Input order is preserved.
func (c *Correlator) Correlate(autos []*core.DiscoveredAutomation, platformOf map[string]core.Platform) []CorrelationGroup {
	n := len(autos)
	if n < 2 {
		return nil
	}

	// Union-find over pairwise links; then score each class from its
	// strongest observed signals.
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(i, j int) { parent[find(i)] = find(j) }

	pairSignals := map[[2]int][]string{}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			a, b := autos[i], autos[j]
			if platformOf[a.ConnectionID] == platformOf[b.ConnectionID] {
				// Same-platform duplicates are already deduped by externalId.
				continue
			}
			var signals []string
			if owner := strings.ToLower(a.Owner.Email); owner != "" && owner == strings.ToLower(b.Owner.Email) {
				signals = append(signals, "shared_owner")
			}
			if ca, cb := clientIDOf(a), clientIDOf(b); ca != "" && ca == cb {
				signals = append(signals, "client_id_collision")
			}
			if hostOverlap(a, b) {
				signals = append(signals, "url_pattern")
			}
			if c.temporallyClose(a, b) {
				signals = append(signals, "temporal_proximity")
			}
			// Temporal proximity alone is noise; require a linking signal.
			if len(signals) == 0 || (len(signals) == 1 && signals[0] == "temporal_proximity") {
				continue
			}
			union(i, j)
			pairSignals[[2]int{i, j}] = signals
		}
	}

	// Collect classes.
	members := map[int][]int{}
	for i := 0; i < n; i++ {
		members[find(i)] = append(members[find(i)], i)
	}

	var groups []CorrelationGroup
	for _, idx := range members {
		if len(idx) < 2 {
			continue
		}
		group := CorrelationGroup{ID: uuid.New().String()}
		signalSet := map[string]bool{}
		for pair, signals := range pairSignals {
			if contains(idx, pair[0]) && contains(idx, pair[1]) {
				for _, s := range signals {
					signalSet[s] = true
				}
			}
		}
		miss := 1.0
		for s := range signalSet {
			group.Signals = append(group.Signals, s)
			miss *= 1 - signalWeight(s)
		}
		sort.Strings(group.Signals)
		group.Confidence = 1 - miss
		if group.Confidence < correlationThreshold {
			continue
		}

		platforms := map[string]bool{}
		for _, i := range idx {
			a := autos[i]
			group.MemberIDs = append(group.MemberIDs, memberKey(a))
			platforms[string(platformOf[a.ConnectionID])] = true
			a.Detection.CorrelationID = group.ID
		}
		for p := range platforms {
			group.Platforms = append(group.Platforms, p)
		}
		sort.Strings(group.Platforms)
		sort.Strings(group.MemberIDs)
		groups = append(groups, group)
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].Confidence > groups[j].Confidence })
	return groups
}

func signalWeight(s string) float64 {
	switch s {
	case "shared_owner":
		return weightSharedOwner
	case "client_id_collision":
		return weightClientID
	case "url_pattern":
		return weightURLPattern
	case "temporal_proximity":
		return weightTemporal
	}
	return 0
}

func (c *Correlator) temporallyClose(a, b *core.DiscoveredAutomation) bool {
	if a.FirstDiscoveredAt.IsZero() || b.FirstDiscoveredAt.IsZero() {
		return false
	}
	d := a.FirstDiscoveredAt.Sub(b.FirstDiscoveredAt)
	if d < 0 {
		d = -d
	}
	return d <= c.ProximityWindow
}

func clientIDOf(a *core.DiscoveredAutomation) string {
	if v, ok := a.PlatformMetadata["clientId"].(string); ok {
		return v
	}
	// Google token grants encode the client id in the external id.
	if i := strings.Index(a.ExternalID, ":"); i > 0 && strings.Contains(a.ExternalID[:i], ".apps.googleusercontent.com") {
		return a.ExternalID[:i]
	}
	return ""
}

// hostOverlap compares URL hosts found in metadata and description.
func hostOverlap(a, b *core.DiscoveredAutomation) bool {
	ha, hb := hostsOf(a), hostsOf(b)
	for h := range ha {
		if hb[h] {
			return true
		}
	}
	return false
}

func hostsOf(a *core.DiscoveredAutomation) map[string]bool {
	out := map[string]bool{}
	add := func(raw string) {
		if raw == "" {
			return
		}
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			out[strings.ToLower(u.Host)] = true
		}
	}
	if v, ok := a.PlatformMetadata["url"].(string); ok {
		add(v)
	}
	if v, ok := a.PlatformMetadata["appUrl"].(string); ok {
		add(v)
	}
	for _, word := range strings.Fields(a.Description) {
		if strings.HasPrefix(word, "http://") || strings.HasPrefix(word, "https://") {
			add(word)
		}
	}
	return out
}

func memberKey(a *core.DiscoveredAutomation) string {
	if a.ID != "" {
		return a.ID
	}
	return fmt.Sprintf("%s/%s", a.ConnectionID, a.ExternalID)
}

func contains(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
