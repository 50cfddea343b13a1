package pruner

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smtnode/smtnode/smt"
)

func TestExactSet(t *testing.T) {
	set := NewExactSet()
	a, b := key("a"), key("b")

	set.Insert(a)
	set.Insert(a)
	set.Insert(b)
	assert.EqualValues(t, 2, set.Len())
	assert.True(t, set.MightContain(a))
	assert.False(t, set.MightContain(key("c")))

	set.Remove(a)
	assert.False(t, set.MightContain(a))
	assert.EqualValues(t, 1, set.Len())

	other := NewExactSet()
	other.Insert(b)
	assert.True(t, set.Equal(other))

	set.Insert(a)
	assert.Equal(t, []smt.Hash{a}, set.Difference(other))
	assert.Empty(t, other.Difference(set))
}

func TestBloomSet_NoFalseNegatives(t *testing.T) {
	const n = 20000
	set, err := NewBloomSet(n, 0.01)
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		set.Insert(key(fmt.Sprintf("in-%d", i)))
	}
	for i := 0; i < n; i++ {
		require.True(t, set.MightContain(key(fmt.Sprintf("in-%d", i))))
	}
	assert.EqualValues(t, n, set.Len())
}

func TestBloomSet_FalsePositiveBound(t *testing.T) {
	const (
		n      = 20000
		fpRate = 0.01
	)
	set, err := NewBloomSet(n, fpRate)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		set.Insert(key(fmt.Sprintf("in-%d", i)))
	}

	var hits int
	for i := 0; i < n; i++ {
		if set.MightContain(key(fmt.Sprintf("out-%d", i))) {
			hits++
		}
	}
	observed := float64(hits) / n
	assert.Less(t, observed, 3*fpRate, "observed false positive rate %f", observed)
	assert.Less(t, set.FalsePositiveRate(), 3*fpRate)
	assert.Greater(t, set.Bits(), uint64(n))
}

func TestNewBloomSet_Errors(t *testing.T) {
	for _, rate := range []float64{0, 1, -0.5} {
		_, err := NewBloomSet(100, rate)
		assert.Error(t, err, "rate %f", rate)
	}

	// tiny estimates are raised so the filter stays usable
	set, err := NewBloomSet(1, 0.01)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, set.Bits(), uint64(minBloomNodes))
}

func TestMarshalSet(t *testing.T) {
	exact := NewExactSet()
	bloom, err := NewBloomSet(100, 0.01)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		exact.Insert(key(fmt.Sprint(i)))
		bloom.Insert(key(fmt.Sprint(i)))
	}

	for _, set := range []ReachableSet{exact, bloom} {
		bin, err := marshalSet(set)
		require.NoError(t, err)
		restored, err := unmarshalSet(bin)
		require.NoError(t, err)
		assert.IsType(t, set, restored)
		assert.Equal(t, set.Len(), restored.Len())
		for i := 0; i < 100; i++ {
			assert.True(t, restored.MightContain(key(fmt.Sprint(i))))
		}
	}

	_, err = unmarshalSet(nil)
	assert.ErrorIs(t, err, errUnknownSetEncoding)
	_, err = unmarshalSet([]byte{9})
	assert.ErrorIs(t, err, errUnknownSetEncoding)
	_, err = unmarshalSet([]byte{1, 2, 3})
	assert.Error(t, err)
}
