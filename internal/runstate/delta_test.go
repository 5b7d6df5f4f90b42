// ABOUTME: Tests for longest-common-prefix delta reconciliation
// ABOUTME: Covers extension, restart/correction, and boundary cases

package runstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeltaFrom(t *testing.T) {
	tests := []struct {
		name   string
		stored string
		full   string
		want   string
	}{
		{"extension", "Hel", "Hello", "lo"},
		{"identical", "Hello", "Hello", ""},
		{"non-extending correction", "Hello", "Hi", "Hi"},
		{"shorter restart", "Hello world", "Hello", "Hello"},
		{"empty stored", "", "Hello", "Hello"},
		{"empty full", "Hello", "", ""},
		{"both empty", "", "", ""},
		{"diverges mid-prefix", "Hello world", "Hello there", "Hello there"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeltaFrom(tt.stored, tt.full))
		})
	}
}

func TestCommonPrefixLen(t *testing.T) {
	assert.Equal(t, 3, commonPrefixLen("Hel", "Hello"))
	assert.Equal(t, 0, commonPrefixLen("abc", "xyz"))
	assert.Equal(t, 5, commonPrefixLen("Hello", "Hello"))
	assert.Equal(t, 0, commonPrefixLen("", "Hello"))
}
