package traffic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBuffer(t *testing.T) {
	r := NewRingBuffer[int](3)
	assert.Empty(t, r.Snapshot())

	r.Add(1)
	r.Add(2)
	assert.Equal(t, []int{1, 2}, r.Snapshot())
	assert.Equal(t, 2, r.Len())

	r.Add(3)
	r.Add(4)
	assert.Equal(t, []int{2, 3, 4}, r.Snapshot())
	assert.Equal(t, 3, r.Len())
}
