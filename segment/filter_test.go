package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/prudb/model"
)

func TestFilter(t *testing.T) {
	t.Run("added keys are always found", func(t *testing.T) {
		f := NewFilter(1000, DefaultFPR)
		for i := range 1000 {
			f.Add(model.Key(i * 7))
		}
		for i := range 1000 {
			assert.True(t, f.Contains(model.Key(i*7)))
		}
	})

	t.Run("false positive rate near target", func(t *testing.T) {
		const n = 10_000
		f := NewFilter(n, DefaultFPR)
		for i := range n {
			f.Add(model.Key(i))
		}

		falsePositives := 0
		for i := n; i < 2*n; i++ {
			if f.Contains(model.Key(i)) {
				falsePositives++
			}
		}
		// 1% target with generous slack for hash variance.
		assert.Less(t, float64(falsePositives)/n, 0.03)
	})

	t.Run("round trip through bytes", func(t *testing.T) {
		f := NewFilter(100, DefaultFPR)
		for i := range 100 {
			f.Add(model.Key(i * 13))
		}

		g := FilterFromBytes(f.K(), f.Bits())
		require.Equal(t, f.K(), g.K())
		for i := range 100 {
			assert.True(t, g.Contains(model.Key(i*13)))
		}
	})

	t.Run("empty filter contains nothing", func(t *testing.T) {
		f := NewFilter(10, DefaultFPR)
		assert.False(t, f.Contains(model.Key(42)))
	})

	t.Run("zero count still allocates", func(t *testing.T) {
		f := NewFilter(0, DefaultFPR)
		require.NotNil(t, f)
		assert.False(t, f.Contains(model.Key(1)))
	})
}
