// Package taskgraph turns a plan's dependency edges into execution levels.
package taskgraph

import (
	"sort"

	"github.com/malbeclabs/analyst/pkg/pipeline"
)

// Levels groups step indices into topological generations using Kahn's
// algorithm. Each level is sorted ascending. Self-references and unknown ids
// are ignored. If the graph has a cycle, every step gets its own level in
// plan order.
func Levels(steps []pipeline.PlanStep) [][]int {
	n := len(steps)
	if n == 0 {
		return nil
	}

	index := make(map[string]int, n)
	for i, s := range steps {
		if _, dup := index[s.ID]; !dup {
			index[s.ID] = i
		}
	}

	// children[parent] lists steps that depend on parent.
	children := make([][]int, n)
	inDegree := make([]int, n)
	for i, s := range steps {
		seen := make(map[int]struct{}, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			j, ok := index[dep]
			if !ok || j == i {
				continue
			}
			if _, dup := seen[j]; dup {
				continue
			}
			seen[j] = struct{}{}
			children[j] = append(children[j], i)
			inDegree[i]++
		}
	}

	var levels [][]int
	var current []int
	for i := range n {
		if inDegree[i] == 0 {
			current = append(current, i)
		}
	}

	scheduled := 0
	for len(current) > 0 {
		sort.Ints(current)
		levels = append(levels, current)
		scheduled += len(current)

		var next []int
		for _, parent := range current {
			for _, child := range children[parent] {
				inDegree[child]--
				if inDegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		current = next
	}

	if scheduled != n {
		return Serial(n)
	}
	return levels
}

// Serial returns one singleton level per index in order.
func Serial(n int) [][]int {
	levels := make([][]int, n)
	for i := range n {
		levels[i] = []int{i}
	}
	return levels
}
