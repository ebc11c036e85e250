package retriever

import (
	"math"

	"github.com/hyperjump/shirabe/internal/vector"
)

// MMR selects up to k indices of vectors by Maximal Marginal Relevance:
//
//	mmr(i) = lambda*relevance[i] - (1-lambda)*max_{j selected} sim(i, j)
//
// The first pick is the most relevant vector. Equal mmr values go to the candidate less
// similar to the selected set, then to the lower index.
func MMR(relevance []float64, vectors [][]float32, lambda float64, k int) []int {
	n := len(relevance)
	if k > n {
		k = n
	}
	if k <= 0 {
		return nil
	}

	selected := make([]int, 0, k)
	taken := make([]bool, n)
	// redundancy[i] is the max similarity of i to any selected vector.
	redundancy := make([]float64, n)
	for i := range redundancy {
		redundancy[i] = math.Inf(-1)
	}

	first := 0
	for i := 1; i < n; i++ {
		if relevance[i] > relevance[first] {
			first = i
		}
	}
	pick := first
	for {
		selected = append(selected, pick)
		taken[pick] = true
		if len(selected) == k {
			return selected
		}
		for i := 0; i < n; i++ {
			if !taken[i] {
				if s := vector.InnerProduct(vectors[i], vectors[pick]); s > redundancy[i] {
					redundancy[i] = s
				}
			}
		}

		pick = -1
		var best float64
		for i := 0; i < n; i++ {
			if taken[i] {
				continue
			}
			score := lambda*relevance[i] - (1-lambda)*redundancy[i]
			if pick < 0 || score > best || (score == best && redundancy[i] < redundancy[pick]) {
				pick, best = i, score
			}
		}
	}
}
