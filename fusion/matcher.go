package fusion

// Matcher partitions one frame's detections into clusters of detections
// believed to be the same physical object.
//
// Two detections are matching candidates iff their geodesic distance is
// within the threshold, their classes are compatible, and they come
// from different sources. Clusters are the connected components of the
// candidate graph, so association is transitive: if A matches B and B
// matches C, all three cluster even when A and C exceed the threshold
// directly. Chaining drift is bounded by keeping the threshold
// conservative.
type Matcher struct {
	thresholdM float64
	exclusive  map[string]struct{}
}

// NewMatcher creates a matcher from the engine config.
func NewMatcher(cfg Config) *Matcher {
	m := &Matcher{thresholdM: cfg.DistanceThresholdM}
	if len(cfg.ExclusiveClasses) > 0 {
		m.exclusive = make(map[string]struct{}, len(cfg.ExclusiveClasses))
		for _, c := range cfg.ExclusiveClasses {
			m.exclusive[c] = struct{}{}
		}
	}
	return m
}

// compatible reports whether two classes may cluster. Classes cluster
// freely unless one of them is configured as exclusive, in which case
// both must be equal.
func (m *Matcher) compatible(a, b string) bool {
	if a == b {
		return true
	}
	if _, ok := m.exclusive[a]; ok {
		return false
	}
	if _, ok := m.exclusive[b]; ok {
		return false
	}
	return true
}

// Cluster partitions the frame's detections. Every detection lands in
// exactly one cluster; singletons are valid and represent objects seen
// by a single source.
func (m *Matcher) Cluster(frame Frame) []Cluster {
	n := len(frame.Detections)
	if n == 0 {
		return nil
	}

	uf := newUnionFind(n)

	// Track the source set per component so a merge can never place two
	// detections from the same source in one cluster, even through a
	// transitive chain.
	sources := make([]map[string]struct{}, n)
	for i, d := range frame.Detections {
		sources[i] = map[string]struct{}{d.SourceID: {}}
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			di, dj := frame.Detections[i], frame.Detections[j]
			if di.SourceID == dj.SourceID {
				continue
			}
			if !m.compatible(di.Class, dj.Class) {
				continue
			}
			if DistanceM(di.Position, dj.Position) > m.thresholdM {
				continue
			}

			ri, rj := uf.find(i), uf.find(j)
			if ri == rj {
				continue
			}
			if sourcesOverlap(sources[ri], sources[rj]) {
				continue
			}
			root := uf.union(ri, rj)
			merged := sources[ri]
			other := sources[rj]
			if root == rj {
				merged, other = other, merged
			}
			for s := range other {
				merged[s] = struct{}{}
			}
			sources[root] = merged
		}
	}

	// Group members by component root, preserving frame order within
	// and across clusters.
	order := make([]int, 0, n)
	byRoot := make(map[int][]Detection, n)
	for i, d := range frame.Detections {
		root := uf.find(i)
		if _, ok := byRoot[root]; !ok {
			order = append(order, root)
		}
		byRoot[root] = append(byRoot[root], d)
	}

	clusters := make([]Cluster, 0, len(order))
	for _, root := range order {
		clusters = append(clusters, Cluster{Members: byRoot[root]})
	}
	return clusters
}

func sourcesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for s := range a {
		if _, ok := b[s]; ok {
			return true
		}
	}
	return false
}

// unionFind is a disjoint-set over detection indices with union by rank
// and path compression.
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{
		parent: make([]int, n),
		rank:   make([]int, n),
	}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

// union merges the components of a and b and returns the new root.
func (uf *unionFind) union(a, b int) int {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return ra
	}
	if uf.rank[ra] < uf.rank[rb] {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	if uf.rank[ra] == uf.rank[rb] {
		uf.rank[ra]++
	}
	return ra
}
