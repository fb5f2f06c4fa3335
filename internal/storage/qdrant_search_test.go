package storage

import (
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
)

func scoredPoints(scores ...float32) []*qdrant.ScoredPoint {
	out := make([]*qdrant.ScoredPoint, len(scores))
	for i, s := range scores {
		out[i] = &qdrant.ScoredPoint{Score: s}
	}
	return out
}

func TestTiesTruncated(t *testing.T) {
	tests := []struct {
		name    string
		results []*qdrant.ScoredPoint
		k       int
		limit   int
		want    bool
	}{
		{"short page", scoredPoints(0.9, 0.9), 1, 4, false},
		{"fewer than k", scoredPoints(0.9), 2, 1, false},
		{"full page ending below kth score", scoredPoints(0.9, 0.8, 0.7), 1, 3, false},
		{"full page still tied with kth", scoredPoints(0.9, 0.8, 0.8), 2, 3, true},
		{"all tied", scoredPoints(0.5, 0.5, 0.5, 0.5), 1, 4, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tiesTruncated(tt.results, tt.k, tt.limit))
		})
	}
}
