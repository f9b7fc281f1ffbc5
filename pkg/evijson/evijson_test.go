package evijson

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenStringifiesScalars(t *testing.T) {
	flat := Flatten(map[string]any{
		"evidence_found": true,
		"attempts":       float64(2),
		"circuit":        "FTTX047648",
		"empty":          "",
		"missing":        nil,
		"nested": map[string]any{
			"cease_pending": false,
		},
	})
	assert.Equal(t, "true", flat["evidence_found"])
	assert.Equal(t, "2", flat["attempts"])
	assert.Equal(t, "FTTX047648", flat["circuit"])
	assert.Equal(t, "false", flat["nested_cease_pending"])
	_, ok := flat["empty"]
	assert.False(t, ok)
	_, ok = flat["missing"]
	assert.False(t, ok)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	details := map[string]any{
		"evidence_found": true,
		"circuit_number": "FTTX047648",
		"port_count":     float64(4),
	}
	s, err := Encode(details, 0)
	require.NoError(t, err)

	got, err := Decode(s)
	require.NoError(t, err)
	assert.Equal(t, Flatten(details), got)
}

func TestEncodeWithinBudgetUntouched(t *testing.T) {
	s, err := Encode(map[string]any{"a": "b"}, 1024)
	require.NoError(t, err)
	got, err := Decode(s)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "b"}, got)
	_, hasMarker := got["truncated"]
	assert.False(t, hasMarker)
}

func TestEncodeTruncatesLargestField(t *testing.T) {
	details := map[string]any{
		"small": "ok",
		"huge":  strings.Repeat("x", 4096),
	}
	s, err := Encode(details, 512)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(s), 512)

	got, err := Decode(s)
	require.NoError(t, err)
	assert.Equal(t, "true", got["truncated"])
	assert.Equal(t, "ok", got["small"])
	if huge, ok := got["huge"]; ok {
		assert.True(t, strings.HasSuffix(huge, "..."))
	}
}

func TestDecodeInvalid(t *testing.T) {
	_, err := Decode("{not json")
	require.Error(t, err)
}
