package email

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeqMapExpungeShifts(t *testing.T) {
	var m seqMap
	m.reset([]uint32{30, 10, 20, 40})

	uid, ok := m.uid(1)
	require.True(t, ok)
	assert.Equal(t, uint32(10), uid)

	uid, ok = m.expunge(2)
	require.True(t, ok)
	assert.Equal(t, uint32(20), uid)

	// Former seq 3 is now seq 2
	uid, ok = m.uid(2)
	require.True(t, ok)
	assert.Equal(t, uint32(30), uid)
	assert.Equal(t, 3, m.len())

	_, ok = m.expunge(9)
	assert.False(t, ok)
	_, ok = m.uid(0)
	assert.False(t, ok)
}

func TestSeqMapDiff(t *testing.T) {
	var m seqMap
	m.reset([]uint32{1, 2, 3})

	added, removed := m.diff([]uint32{2, 3, 5, 4})
	assert.Equal(t, []uint32{4, 5}, added)
	assert.Equal(t, []uint32{1}, removed)

	added, removed = m.diff([]uint32{1, 2, 3})
	assert.Empty(t, added)
	assert.Empty(t, removed)
}
