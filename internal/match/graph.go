package match

import "sort"

// unionFind tracks connected components over record ids with path compression
// and union by size.
type unionFind struct {
	parent map[int64]int64
	size   map[int64]int
}

func newUnionFind() *unionFind {
	return &unionFind{
		parent: make(map[int64]int64),
		size:   make(map[int64]int),
	}
}

func (u *unionFind) add(id int64) {
	if _, ok := u.parent[id]; ok {
		return
	}
	u.parent[id] = id
	u.size[id] = 1
}

func (u *unionFind) find(id int64) int64 {
	u.add(id)
	root := id
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for u.parent[id] != root {
		id, u.parent[id] = u.parent[id], root
	}
	return root
}

func (u *unionFind) union(a, b int64) {
	rootA, rootB := u.find(a), u.find(b)
	if rootA == rootB {
		return
	}
	if u.size[rootA] < u.size[rootB] {
		rootA, rootB = rootB, rootA
	}
	u.parent[rootB] = rootA
	u.size[rootA] += u.size[rootB]
}

// components returns each connected component as a sorted slice of ids.
func (u *unionFind) components() [][]int64 {
	grouped := make(map[int64][]int64)
	for id := range u.parent {
		root := u.find(id)
		grouped[root] = append(grouped[root], id)
	}
	result := make([][]int64, 0, len(grouped))
	for _, members := range grouped {
		sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
		result = append(result, members)
	}
	sort.Slice(result, func(i, j int) bool { return result[i][0] < result[j][0] })
	return result
}
