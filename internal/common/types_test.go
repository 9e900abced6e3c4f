package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCategory(t *testing.T) {
	for _, c := range Categories {
		got, err := ParseCategory(string(c))
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}

	_, err := ParseCategory("gossip")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "security-news")
}

func TestBandFor(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{10, "critical"},
		{9.0, "critical"},
		{8.9, "high"},
		{7.0, "high"},
		{6.5, "medium"},
		{4.0, "medium"},
		{3.9, "low"},
		{0, "low"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BandFor(tt.score).String(), "score %.1f", tt.score)
	}
	assert.Equal(t, "unknown", SeverityLevel(7).String())
}
