package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndSnapshot(t *testing.T) {
	c := NewCollector()

	c.RecordTiming(OpDBQuery, 10*time.Millisecond)
	c.RecordTiming(OpDBQuery, 30*time.Millisecond)
	c.RecordBatch(OpEmbed, 200*time.Millisecond, 16, false)
	c.RecordBatch(OpFetch, 50*time.Millisecond, 1, true)

	snap := c.Snapshot()

	require.NotNil(t, snap.DBQuery)
	assert.Equal(t, int64(2), snap.DBQuery.Count)
	assert.Equal(t, int64(40), snap.DBQuery.TotalTimeMs)
	assert.Equal(t, int64(10), snap.DBQuery.MinTimeMs)
	assert.Equal(t, int64(30), snap.DBQuery.MaxTimeMs)
	assert.Equal(t, 20.0, snap.DBQuery.AvgTimeMs)

	require.NotNil(t, snap.Embed)
	assert.Equal(t, int64(16), snap.Embed.Items)

	require.NotNil(t, snap.Fetch)
	assert.Equal(t, int64(1), snap.Fetch.Failures)

	// Operations never recorded stay nil.
	assert.Nil(t, snap.Index)
	assert.Nil(t, snap.Channel)
}

func TestCollectorConcurrentAccess(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.RecordTiming(OpChunk, time.Millisecond)
				_ = c.Snapshot()
			}
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	require.NotNil(t, snap.Chunk)
	assert.Equal(t, int64(1000), snap.Chunk.Count)
}
