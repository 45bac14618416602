package match

import (
	"errors"
	"math"
	"testing"

	"github.com/andresmejia3/verity/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a    types.Embedding
		b    types.Embedding
		want float64
	}{
		{
			name: "Identical vectors",
			a:    types.Embedding{1, 0},
			b:    types.Embedding{1, 0},
			want: 1,
		},
		{
			name: "Orthogonal vectors",
			a:    types.Embedding{1, 0},
			b:    types.Embedding{0, 1},
			want: 0,
		},
		{
			name: "Opposite vectors",
			a:    types.Embedding{1, 0},
			b:    types.Embedding{-1, 0},
			want: -1,
		},
		{
			name: "B is scaled",
			a:    types.Embedding{1, 0},
			b:    types.Embedding{5, 0},
			want: 1, // direction is the same
		},
		{
			name: "Zero vector",
			a:    types.Embedding{0, 0},
			b:    types.Embedding{3, 4},
			want: 0,
		},
		{
			name: "Empty vectors",
			a:    types.Embedding{},
			b:    types.Embedding{},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Cosine(tt.a, tt.b)
			require.NoError(t, err)
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("Cosine() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCosine_LengthMismatch(t *testing.T) {
	_, err := Cosine(types.Embedding{1, 2, 3}, types.Embedding{1, 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLengthMismatch))

	var me *Error
	require.True(t, errors.As(err, &me))
	assert.Equal(t, "cosine", me.Op)
}

func TestCompare_EqualVectorsPassAnyThreshold(t *testing.T) {
	vecs := []types.Embedding{
		{1, 2, 3},
		{0.1, -0.4, 0.9, 0.3},
		{-7, 0.5},
	}
	for _, v := range vecs {
		for _, th := range []float64{-1, 0, 0.5, 0.8, 0.99, 1.0} {
			m := New()
			m.SetBaseline(v)
			m.SetTest(v)
			s, err := m.Compare(th)
			require.NoError(t, err)
			assert.InDelta(t, 1.0, s.Value, 1e-9)
			assert.True(t, s.Passed, "threshold %.2f", th)
		}
	}
}

func TestCompare_ZeroMagnitudeNeverPasses(t *testing.T) {
	m := New()
	m.SetBaseline(types.Embedding{0, 0, 0})
	m.SetTest(types.Embedding{1, 2, 3})

	s, err := m.Compare(-1)
	require.NoError(t, err)
	assert.False(t, s.Passed)
	assert.Equal(t, 0.0, s.Value)
}

func TestCompare_InclusiveBoundary(t *testing.T) {
	// cos = 0.8 exactly after rounding
	a := types.Embedding{1, 0}
	b := types.Embedding{0.8, 0.6}

	s, err := Similarity(a, b, 0.80)
	require.NoError(t, err)
	assert.Equal(t, 0.80, s.Value)
	assert.True(t, s.Passed)

	s, err = Similarity(a, b, 0.81)
	require.NoError(t, err)
	assert.False(t, s.Passed)
}

func TestCompare_RoundsToTwoDecimals(t *testing.T) {
	a := types.Embedding{1, 0}
	b := types.Embedding{0.85, float32(math.Sqrt(1 - 0.85*0.85))}

	s, err := Similarity(a, b, AuthThreshold)
	require.NoError(t, err)
	assert.Equal(t, 0.85, s.Value)
	assert.True(t, s.Passed)
}

func TestCompare_EmptySlot(t *testing.T) {
	m := New()
	m.SetBaseline(types.Embedding{1, 0})
	assert.False(t, m.BothPresent())

	_, err := m.Compare(DefaultThreshold)
	assert.ErrorIs(t, err, ErrSlotEmpty)
}

func TestCompare_LengthMismatchRejected(t *testing.T) {
	m := New()
	m.SetBaseline(types.Embedding{1, 0, 0})
	m.SetTest(types.Embedding{1, 0})

	s, err := m.Compare(DefaultThreshold)
	assert.ErrorIs(t, err, ErrLengthMismatch)
	assert.False(t, s.Passed)
}

func TestClear(t *testing.T) {
	m := New()
	m.SetBaseline(types.Embedding{1, 0})
	m.SetTest(types.Embedding{1, 0})
	require.True(t, m.BothPresent())

	m.Clear()
	assert.False(t, m.BothPresent())

	// A later comparison must not see the earlier baseline.
	m.SetTest(types.Embedding{0, 1})
	_, err := m.Compare(DefaultThreshold)
	assert.ErrorIs(t, err, ErrSlotEmpty)
}

func TestSetCopiesInput(t *testing.T) {
	v := types.Embedding{1, 0}
	m := New()
	m.SetBaseline(v)
	m.SetTest(types.Embedding{1, 0})
	v[0] = 0
	v[1] = 1

	s, err := m.Compare(DefaultThreshold)
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Value)
}
