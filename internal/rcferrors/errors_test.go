package rcferrors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructorsCategorizeCorrectly(t *testing.T) {
	cases := []struct {
		name  string
		err   *RCFError
		want  Category
		fatal bool
	}{
		{"configuration", Configuration("shingle size %d does not divide %d", 3, 10), CategoryConfiguration, false},
		{"dimension mismatch", DimensionMismatch(4, 5), CategoryDimensionMismatch, false},
		{"capacity exhausted", CapacityExhausted(64, 256), CategoryCapacityExhausted, false},
		{"invalid handle", InvalidHandle("pointstore", 7), CategoryInvalidHandle, true},
		{"invariant violation", InvariantViolation("tree", "mass underflow"), CategoryInvariantViolation, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.err.Category)
			assert.Equal(t, tc.fatal, tc.err.Fatal)
			assert.NotEmpty(t, tc.err.Error())
			assert.Equal(t, tc.fatal, IsFatal(tc.err))
		})
	}
}

func TestIsFatalOnNonRCFError(t *testing.T) {
	assert.False(t, IsFatal(nil))
}
