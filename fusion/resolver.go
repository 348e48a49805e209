package fusion

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Merged is the fused representation of one cluster, ready for
// publication under its identity.
type Merged struct {
	Position   Position
	Confidence float64
	Class      string
	Sources    []string
}

// Resolver computes the published representation for an identity's
// backing cluster. The policy is deterministic so replays reproduce
// byte-identical output:
//
//   - position: confidence-weighted centroid of member positions
//   - confidence: maximum member confidence
//   - class: majority vote, ties broken by the highest-confidence
//     member of the tied classes, then lexicographically
type Resolver struct{}

// NewResolver creates a resolver.
func NewResolver() *Resolver { return &Resolver{} }

// Resolve fuses the cluster's members into one record.
func (r *Resolver) Resolve(c Cluster) Merged {
	n := len(c.Members)
	if n == 0 {
		return Merged{}
	}

	lats := make([]float64, n)
	lons := make([]float64, n)
	weights := make([]float64, n)
	var weightSum float64
	for i, m := range c.Members {
		lats[i] = m.Position.Lat
		lons[i] = m.Position.Lon
		weights[i] = m.Confidence
		weightSum += m.Confidence
	}
	// All-zero confidences would make the weighted mean undefined; fall
	// back to the unweighted centroid.
	if weightSum == 0 {
		weights = nil
	}

	pos := Position{
		Lat: stat.Mean(lats, weights),
		Lon: stat.Mean(lons, weights),
	}
	if alt, ok := fuseAltitude(c.Members, weights); ok {
		pos.Alt = &alt
	}

	merged := Merged{
		Position: pos,
		Class:    voteClass(c.Members),
		Sources:  sortedSources(c),
	}
	for _, m := range c.Members {
		if m.Confidence > merged.Confidence {
			merged.Confidence = m.Confidence
		}
	}
	return merged
}

// fuseAltitude returns the weighted mean altitude over members that
// report one. False when no member carries altitude.
func fuseAltitude(members []Detection, weights []float64) (float64, bool) {
	var alts, w []float64
	for i, m := range members {
		if m.Position.Alt == nil {
			continue
		}
		alts = append(alts, *m.Position.Alt)
		if weights != nil {
			w = append(w, weights[i])
		}
	}
	if len(alts) == 0 {
		return 0, false
	}
	var wSum float64
	for _, v := range w {
		wSum += v
	}
	if wSum == 0 {
		w = nil
	}
	return stat.Mean(alts, w), true
}

// voteClass picks the cluster's class by majority vote. Ties go to the
// class holding the highest-confidence member, then to the
// lexicographically smallest class name.
func voteClass(members []Detection) string {
	votes := make(map[string]int)
	best := make(map[string]float64)
	for _, m := range members {
		votes[m.Class]++
		if m.Confidence > best[m.Class] {
			best[m.Class] = m.Confidence
		}
	}

	classes := make([]string, 0, len(votes))
	for c := range votes {
		classes = append(classes, c)
	}
	sort.Slice(classes, func(i, j int) bool {
		ci, cj := classes[i], classes[j]
		if votes[ci] != votes[cj] {
			return votes[ci] > votes[cj]
		}
		if best[ci] != best[cj] {
			return best[ci] > best[cj]
		}
		return ci < cj
	})
	return classes[0]
}

func sortedSources(c Cluster) []string {
	sources := c.Sources()
	sort.Strings(sources)
	return sources
}
