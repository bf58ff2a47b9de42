package store

import (
	"math"
	"math/rand"
	"sort"
)

// HNSW parameters. Graph construction follows the usual layered
// small-world layout. A new node links to at most hnswM (hnswM0 at layer
// 0) neighbors; the back-links added to those neighbors are not pruned.
const (
	hnswMaxLevel = 16
	hnswM        = 16 // links a new node makes per layer
	hnswM0       = 32 // links a new node makes at layer 0
	hnswEfConstr = 200
	hnswEfSearch = 64
)

// Metric selects the distance function of the index.
type Metric string

const (
	MetricL2     Metric = "L2"
	MetricCosine Metric = "cosine"
)

// hnswNode is one graph vertex. Fields are exported for gob encoding of
// index snapshots.
type hnswNode struct {
	Level     int
	Neighbors [][]uint64
}

// hnswIndex is an in-memory approximate-nearest-neighbor graph with soft
// deletes. Tombstoned labels stay navigable but never surface in results;
// compaction rebuilds the graph without them. Callers synchronize access.
type hnswIndex struct {
	dim      int
	metric   Metric
	vectors  map[uint64][]float32
	nodes    map[uint64]*hnswNode
	deleted  map[uint64]struct{}
	entry    uint64
	maxLevel int
	rng      *rand.Rand
}

func newHNSWIndex(dim int, metric Metric) *hnswIndex {
	return &hnswIndex{
		dim:      dim,
		metric:   metric,
		vectors:  make(map[uint64][]float32),
		nodes:    make(map[uint64]*hnswNode),
		deleted:  make(map[uint64]struct{}),
		maxLevel: -1,
		rng:      rand.New(rand.NewSource(1)),
	}
}

// counts returns (total, deleted, active) element counts.
func (ix *hnswIndex) counts() (int, int, int) {
	total := len(ix.nodes)
	deleted := len(ix.deleted)
	return total, deleted, total - deleted
}

// vector returns the stored vector for a label, or nil.
func (ix *hnswIndex) vector(id uint64) []float32 {
	return ix.vectors[id]
}

// add inserts a vector under the given label.
func (ix *hnswIndex) add(id uint64, vec []float32) {
	ix.vectors[id] = vec

	level := ix.randomLevel()
	node := &hnswNode{
		Level:     level,
		Neighbors: make([][]uint64, level+1),
	}
	ix.nodes[id] = node

	if ix.maxLevel == -1 {
		ix.entry = id
		ix.maxLevel = level
		return
	}

	curr := ix.entry
	for l := ix.maxLevel; l > level; l-- {
		curr = ix.greedyClosest(vec, curr, l)
	}

	for l := min(level, ix.maxLevel); l >= 0; l-- {
		nearest := ix.searchLayer(vec, curr, hnswEfConstr, l)

		m := hnswM
		if l == 0 {
			m = hnswM0
		}
		if len(nearest) > m {
			nearest = nearest[:m]
		}

		ids := make([]uint64, len(nearest))
		for i, n := range nearest {
			ids[i] = n.id
		}
		node.Neighbors[l] = ids
		for _, nid := range ids {
			neighbor := ix.nodes[nid]
			neighbor.Neighbors[l] = append(neighbor.Neighbors[l], id)
		}

		if len(ids) > 0 {
			curr = ids[0]
		}
	}

	if level > ix.maxLevel {
		ix.entry = id
		ix.maxLevel = level
	}
}

// markDeleted tombstones a label. Reports whether the label existed and
// was live.
func (ix *hnswIndex) markDeleted(id uint64) bool {
	if _, ok := ix.nodes[id]; !ok {
		return false
	}
	if _, ok := ix.deleted[id]; ok {
		return false
	}
	ix.deleted[id] = struct{}{}
	return true
}

type hnswCandidate struct {
	id   uint64
	dist float32
}

// search returns up to k live labels nearest to query, ascending by
// distance. Tombstoned labels are traversed but excluded from results.
func (ix *hnswIndex) search(query []float32, k int) []hnswCandidate {
	if ix.maxLevel == -1 || k <= 0 {
		return nil
	}

	curr := ix.entry
	for l := ix.maxLevel; l > 0; l-- {
		curr = ix.greedyClosest(query, curr, l)
	}

	ef := hnswEfSearch
	if ef < 2*k {
		ef = 2 * k
	}
	candidates := ix.searchLayer(query, curr, ef, 0)

	results := make([]hnswCandidate, 0, k)
	for _, c := range candidates {
		if _, dead := ix.deleted[c.id]; dead {
			continue
		}
		results = append(results, c)
		if len(results) == k {
			break
		}
	}
	return results
}

// greedyClosest walks a layer to the locally nearest node.
func (ix *hnswIndex) greedyClosest(query []float32, entry uint64, level int) uint64 {
	curr := entry
	currDist := ix.distance(query, ix.vectors[curr])

	for changed := true; changed; {
		changed = false
		for _, nid := range ix.nodes[curr].Neighbors[level] {
			if d := ix.distance(query, ix.vectors[nid]); d < currDist {
				curr, currDist = nid, d
				changed = true
			}
		}
	}
	return curr
}

// searchLayer is a bounded best-first search at one layer, returning up to
// ef candidates ascending by distance.
func (ix *hnswIndex) searchLayer(query []float32, entry uint64, ef, level int) []hnswCandidate {
	visited := map[uint64]bool{entry: true}
	start := hnswCandidate{entry, ix.distance(query, ix.vectors[entry])}
	candidates := []hnswCandidate{start}
	results := []hnswCandidate{start}

	for len(candidates) > 0 {
		c := candidates[0]
		candidates = candidates[1:]

		if len(results) >= ef && c.dist > results[len(results)-1].dist {
			continue
		}

		node := ix.nodes[c.id]
		if level > node.Level {
			continue
		}
		for _, nid := range node.Neighbors[level] {
			if visited[nid] {
				continue
			}
			visited[nid] = true
			d := ix.distance(query, ix.vectors[nid])
			if len(results) < ef || d < results[len(results)-1].dist {
				res := hnswCandidate{nid, d}
				candidates = append(candidates, res)
				results = append(results, res)

				sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })
				if len(results) > ef {
					results = results[:ef]
				}
				sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
			}
		}
	}
	return results
}

func (ix *hnswIndex) randomLevel() int {
	lvl := 0
	for ix.rng.Float64() < 0.5 && lvl < hnswMaxLevel {
		lvl++
	}
	return lvl
}

// distance computes squared L2 or cosine distance depending on the metric.
func (ix *hnswIndex) distance(a, b []float32) float32 {
	if ix.metric == MetricCosine {
		return cosineDistance(a, b)
	}
	return squaredL2(a, b)
}

func squaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func cosineDistance(a, b []float32) float32 {
	var dot, na, nb float32
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 1
	}
	sim := dot / (float32(math.Sqrt(float64(na))) * float32(math.Sqrt(float64(nb))))
	return 1 - sim
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
