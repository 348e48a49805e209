package fusion

import (
	"sort"

	"github.com/google/uuid"
)

// IdentityState is the lifecycle state of a merged identity.
type IdentityState int

const (
	// StateTentative marks an identity seen in exactly one frame so
	// far. Tentative identities are never published.
	StateTentative IdentityState = iota

	// StateConfirmed marks an identity matched in at least two
	// consecutive frames.
	StateConfirmed

	// StateLost marks an identity whose miss count exceeded the
	// threshold. Lost identities are purged immediately.
	StateLost
)

// String returns the wire-format name of the state.
func (s IdentityState) String() string {
	switch s {
	case StateTentative:
		return "TENTATIVE"
	case StateConfirmed:
		return "CONFIRMED"
	case StateLost:
		return "LOST"
	default:
		return "UNKNOWN"
	}
}

// confirmationHits is the number of consecutive matched frames required
// before a tentative identity is confirmed and becomes publishable.
const confirmationHits = 2

// Identity is a persistent cross-frame entity representing one tracked
// real-world object. Owned exclusively by the processing pipeline;
// never shared across goroutines.
type Identity struct {
	// ID is globally unique and never reused after purge.
	ID string

	State IdentityState

	// LastPosition is the most recent fused position, used to associate
	// next frame's clusters.
	LastPosition Position

	// LastSeen is the frame time of the last frame that matched this
	// identity, in Unix milliseconds.
	LastSeen int64

	// Sources is the set of source ids currently backing the identity.
	Sources []string

	// MissCount is the number of consecutive frames without a matching
	// cluster.
	MissCount int

	// Hits is the current consecutive-match streak.
	Hits int

	// seq orders identities by creation for deterministic tie-breaks.
	seq uint64
}

// Association links one frame cluster to the identity it updated.
type Association struct {
	Identity *Identity
	Cluster  Cluster

	// New is true when the cluster spawned a fresh tentative identity
	// this frame.
	New bool
}

// Tracker assigns clusters from successive frames to persistent merged
// identities. All methods must be called from the single processing
// goroutine; the identity map is never shared.
type Tracker struct {
	associationThresholdM float64
	missThreshold         int

	identities map[string]*Identity
	nextSeq    uint64

	created   int64
	confirmed int64
	purged    int64
}

// NewTracker creates a tracker from the engine config.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{
		associationThresholdM: cfg.AssociationThresholdM,
		missThreshold:         cfg.MissThreshold,
		identities:            make(map[string]*Identity),
	}
}

// candidate is one admissible cluster-to-identity pairing.
type candidate struct {
	distM   float64
	seq     uint64
	cluster int
	id      string
}

// Update associates the frame's clusters with live identities, applies
// lifecycle transitions, and returns one association per cluster.
//
// Assignment is greedy over all admissible pairings ordered by
// distance, then identity age (older first), then cluster order, so the
// outcome is deterministic and each cluster maps to at most one
// identity per frame. Unmatched clusters spawn tentative identities;
// unmatched identities accrue misses and are purged past the threshold.
func (t *Tracker) Update(frame Frame, clusters []Cluster) []Association {
	centroids := make([]Position, len(clusters))
	for i, c := range clusters {
		centroids[i] = c.Centroid()
	}

	var candidates []candidate
	for i := range clusters {
		for _, id := range t.identities {
			d := DistanceM(centroids[i], id.LastPosition)
			if d <= t.associationThresholdM {
				candidates = append(candidates, candidate{distM: d, seq: id.seq, cluster: i, id: id.ID})
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if ci.distM != cj.distM {
			return ci.distM < cj.distM
		}
		if ci.seq != cj.seq {
			return ci.seq < cj.seq
		}
		return ci.cluster < cj.cluster
	})

	assignedCluster := make(map[int]*Identity, len(clusters))
	assignedID := make(map[string]struct{}, len(t.identities))
	for _, c := range candidates {
		if _, ok := assignedCluster[c.cluster]; ok {
			continue
		}
		if _, ok := assignedID[c.id]; ok {
			continue
		}
		assignedCluster[c.cluster] = t.identities[c.id]
		assignedID[c.id] = struct{}{}
	}

	assocs := make([]Association, 0, len(clusters))
	for i, cluster := range clusters {
		id, matched := assignedCluster[i]
		if !matched {
			id = t.spawn(centroids[i], frame.FrameTime, cluster.Sources())
			// The spawn frame counts as the identity's first match; keep
			// the aging loop below from touching it.
			assignedID[id.ID] = struct{}{}
			assocs = append(assocs, Association{Identity: id, Cluster: cluster, New: true})
			continue
		}

		id.MissCount = 0
		id.Hits++
		id.LastSeen = frame.FrameTime
		id.Sources = cluster.Sources()
		if id.State == StateTentative && id.Hits >= confirmationHits {
			id.State = StateConfirmed
			t.confirmed++
		}
		assocs = append(assocs, Association{Identity: id, Cluster: cluster})
	}

	// Age out everything the frame did not touch.
	for _, id := range t.identities {
		if _, ok := assignedID[id.ID]; ok {
			continue
		}
		id.MissCount++
		if id.State == StateTentative {
			// A miss breaks the consecutive-match streak required for
			// confirmation.
			id.Hits = 0
		}
		if id.MissCount > t.missThreshold {
			id.State = StateLost
			delete(t.identities, id.ID)
			t.purged++
		}
	}

	return assocs
}

// spawn creates a new tentative identity for an unmatched cluster.
func (t *Tracker) spawn(pos Position, frameTime int64, sources []string) *Identity {
	t.nextSeq++
	id := &Identity{
		ID:           uuid.NewString(),
		State:        StateTentative,
		LastPosition: pos,
		LastSeen:     frameTime,
		Sources:      sources,
		Hits:         1,
		seq:          t.nextSeq,
	}
	t.identities[id.ID] = id
	t.created++
	return id
}

// Live returns the number of live identities.
func (t *Tracker) Live() int { return len(t.identities) }

// TrackerStats is a snapshot of the tracker's counters.
type TrackerStats struct {
	Live      int   `json:"live"`
	Tentative int   `json:"tentative"`
	Confirmed int   `json:"confirmed"`
	Created   int64 `json:"created_total"`
	Promoted  int64 `json:"confirmed_total"`
	Purged    int64 `json:"purged_total"`
}

// Stats returns a snapshot of identity counts by state and lifetime
// totals.
func (t *Tracker) Stats() TrackerStats {
	s := TrackerStats{
		Live:     len(t.identities),
		Created:  t.created,
		Promoted: t.confirmed,
		Purged:   t.purged,
	}
	for _, id := range t.identities {
		switch id.State {
		case StateTentative:
			s.Tentative++
		case StateConfirmed:
			s.Confirmed++
		}
	}
	return s
}
