package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilter_NoFalseNegatives(t *testing.T) {
	f := New(1<<16, 7)
	keys := make([]string, 0, 2000)
	for i := 0; i < 2000; i++ {
		k := fmt.Sprintf("hotel-%d|paris", i)
		keys = append(keys, k)
		f.Add(k)
	}
	for _, k := range keys {
		assert.True(t, f.MightContain(k), k)
	}
	assert.Equal(t, uint64(2000), f.Count())
}

func TestFilter_FalsePositiveRateIsBounded(t *testing.T) {
	f := New(1<<16, 7)
	for i := 0; i < 2000; i++ {
		f.Add(fmt.Sprintf("in-%d", i))
	}

	falsePositives := 0
	for i := 0; i < 10000; i++ {
		if f.MightContain(fmt.Sprintf("out-%d", i)) {
			falsePositives++
		}
	}
	// 理论误报率远低于 1%
	assert.Less(t, falsePositives, 100)
	assert.Less(t, f.EstimatedFalsePositiveRate(), 0.01)
	assert.Greater(t, f.FillRatio(), 0.0)
}

func TestFilter_ResetAndRestore(t *testing.T) {
	f := New(1000, 5)
	assert.Equal(t, uint64(1024), f.Bits())
	assert.Equal(t, 5, f.Hashes())

	f.Add("a|rome")
	restored := FromBytes(f.Bytes(), f.Hashes(), f.Count())
	assert.Equal(t, f.Bits(), restored.Bits())
	assert.True(t, restored.MightContain("a|rome"))
	assert.Equal(t, uint64(1), restored.Count())

	f.Reset()
	assert.False(t, f.MightContain("a|rome"))
	assert.Equal(t, 0.0, f.FillRatio())
	// 重置不影响恢复出来的副本
	assert.True(t, restored.MightContain("a|rome"))
}

func TestFilter_EmptyContainsNothing(t *testing.T) {
	f := New(0, 0)
	assert.Equal(t, uint64(64), f.Bits())
	assert.False(t, f.MightContain("anything"))
}
