package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/aici-sdk/go/buffers"
)

// AssertFilled asserts that every value in got equals want.
func AssertFilled(t *testing.T, want float32, got []float32, msgAndArgs ...interface{}) {
	t.Helper()
	for i, v := range got {
		if !assert.Equal(t, want, v, append([]interface{}{"index %d", i}, msgAndArgs...)...) {
			return
		}
	}
}

// AssertCanonicalMask asserts that every mask value is 0.0 or 1.0.
func AssertCanonicalMask(t *testing.T, mask []float32, msgAndArgs ...interface{}) {
	t.Helper()
	for i, v := range mask {
		assert.True(t, buffers.IsCanonicalMask(v), "mask[%d] = %v", i, v)
	}
	if len(msgAndArgs) > 0 && t.Failed() {
		t.Log(msgAndArgs...)
	}
}

// AssertCallOrder asserts that want appears in calls as a subsequence.
func AssertCallOrder(t *testing.T, want, calls []string) {
	t.Helper()
	i := 0
	for _, c := range calls {
		if i < len(want) && c == want[i] {
			i++
		}
	}
	assert.Equal(t, len(want), i, "calls %v do not contain %v in order", calls, want)
}

// RequireRegion fetches a bound region or fails the test.
func RequireRegion(t *testing.T, b *buffers.Bindings, kind buffers.Kind) buffers.Region {
	t.Helper()
	r, ok := b.Region(kind)
	require.True(t, ok, "%s region not bound", kind)
	return r
}
