package fuzzy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevenshteinDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"", "abc", 3},
		{"abc", "", 3},
		{"kitten", "sitting", 3},
		{"flaw", "lawn", 2},
		{"grand plaza", "grand plaza", 0},
		{"café", "cafe", 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevenshteinDistance(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
		assert.Equal(t, tt.want, LevenshteinDistance(tt.b, tt.a), "symmetric %q vs %q", tt.b, tt.a)
	}
}

func TestSimilarity(t *testing.T) {
	t.Run("相同字符串为1", func(t *testing.T) {
		assert.Equal(t, 1.0, Similarity("marriott downtown", "marriott downtown"))
		assert.Equal(t, 1.0, Similarity("", ""))
	})

	t.Run("完全不同的等长字符串", func(t *testing.T) {
		assert.Equal(t, 0.0, Similarity("abcd", "wxyz"))
	})

	t.Run("部分相同", func(t *testing.T) {
		// 1 − 3/7
		assert.InDelta(t, 4.0/7.0, Similarity("kitten", "sitting"), 1e-9)
		assert.InDelta(t, 1-1.0/12.0, Similarity("grand plazas", "grand plaza"), 1e-9)
	})
}
