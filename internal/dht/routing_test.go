package dht

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNode(id NodeID, seen time.Time) *Node {
	return &Node{ID: id, Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1).To4(), Port: 6881}, LastSeen: seen}
}

func idWithPrefix(first byte, tail byte) NodeID {
	var id NodeID
	id[0] = first
	id[19] = tail
	return id
}

func TestInsertAndCount(t *testing.T) {
	local := idWithPrefix(0x00, 1)
	rt := NewRoutingTable(local)
	now := time.Now()
	for i := byte(0); i < 5; i++ {
		res, _ := rt.Insert(testNode(idWithPrefix(0x80, i), now))
		assert.Equal(t, InsertAdded, res)
	}
	assert.Equal(t, 5, rt.Len())

	// Re-inserting refreshes in place, not duplicates.
	res, _ := rt.Insert(testNode(idWithPrefix(0x80, 0), now))
	assert.Equal(t, InsertAdded, res)
	assert.Equal(t, 5, rt.Len())

	// The local id itself is never admitted.
	res, _ = rt.Insert(testNode(local, now))
	assert.Equal(t, InsertDropped, res)
}

// A full far bucket (not containing the local id) drops fresh
// candidates, but a bucket on the local id's path splits and keeps
// absorbing.
func TestSplitOnlyOnLocalPath(t *testing.T) {
	local := idWithPrefix(0x00, 1)
	rt := NewRoutingTable(local)
	now := time.Now()

	// Fill the 1-prefix side: 20 ids with first bytes 0x80, 0x82, ..., 0x8E. After the root
	// splits once, everything starting with bit 1 shares one bucket that
	// does NOT contain local (bit 0), so it caps at bucketSize.
	for i := byte(0); i < 20; i++ {
		rt.Insert(testNode(idWithPrefix(0x80|(i%8)<<1, i), now))
	}
	// The 0-prefix side contains local and may keep splitting.
	for i := byte(0); i < 20; i++ {
		rt.Insert(testNode(idWithPrefix(i%0x40, i), now))
	}

	// No single leaf exceeds bucketSize.
	rt.walk(rt.root, func(b *bucket) {
		assert.LessOrEqual(t, len(b.nodes), bucketSize)
	})
}

func TestFullBucketFreshNodesDrops(t *testing.T) {
	local := idWithPrefix(0x00, 1)
	rt := NewRoutingTable(local)
	now := time.Now()
	// Fill the far (bit-1) bucket with fresh nodes.
	for i := byte(0); i < bucketSize; i++ {
		// Vary only tail bytes so all land in the same far bucket.
		var id NodeID
		id[0] = 0xFF
		id[19] = i
		rt.Insert(testNode(id, now))
	}
	var extra NodeID
	extra[0] = 0xFF
	extra[19] = 99
	res, oldest := rt.Insert(testNode(extra, now))
	assert.Equal(t, InsertDropped, res)
	assert.Nil(t, oldest)
}

// A full bucket with a questionable (15-min-stale) occupant reports it
// for the ping-then-evict cycle; after eviction the newcomer fits.
func TestPingOldestThenEvict(t *testing.T) {
	local := idWithPrefix(0x00, 1)
	rt := NewRoutingTable(local)
	now := time.Now()
	stale := now.Add(-20 * time.Minute)

	var staleID NodeID
	staleID[0] = 0xFF
	rt.Insert(testNode(staleID, stale))
	for i := byte(1); i < bucketSize; i++ {
		var id NodeID
		id[0] = 0xFF
		id[19] = i
		rt.Insert(testNode(id, now))
	}

	var newID NodeID
	newID[0] = 0xFF
	newID[19] = 99
	res, oldest := rt.Insert(testNode(newID, now))
	require.Equal(t, InsertPingOldest, res)
	require.NotNil(t, oldest)
	assert.Equal(t, staleID, oldest.ID)

	// Ping timed out: evict and retry.
	rt.Evict(oldest.ID)
	res, _ = rt.Insert(testNode(newID, now))
	assert.Equal(t, InsertAdded, res)

	// If instead the ping had answered, Refresh would have kept it.
	rt.Refresh(newID, now.Add(time.Minute))
}

func TestClosestOrdering(t *testing.T) {
	local := idWithPrefix(0x00, 1)
	rt := NewRoutingTable(local)
	now := time.Now()
	ids := []NodeID{
		idWithPrefix(0xF0, 1),
		idWithPrefix(0x10, 2),
		idWithPrefix(0x20, 3),
		idWithPrefix(0x11, 4),
	}
	for _, id := range ids {
		rt.Insert(testNode(id, now))
	}
	target := idWithPrefix(0x10, 0)
	got := rt.Closest(target, 2)
	require.Len(t, got, 2)
	assert.Equal(t, idWithPrefix(0x10, 2), got[0].ID)
	assert.Equal(t, idWithPrefix(0x11, 4), got[1].ID)
}

func TestStaleBucketsRefreshTargets(t *testing.T) {
	local := idWithPrefix(0x00, 1)
	rt := NewRoutingTable(local)
	now := time.Now()
	rt.Insert(testNode(idWithPrefix(0x80, 1), now))

	targets := rt.StaleBuckets(15*time.Minute, now.Add(16*time.Minute))
	require.NotEmpty(t, targets)
	// A second sweep right away finds nothing stale.
	assert.Empty(t, rt.StaleBuckets(15*time.Minute, now.Add(16*time.Minute)))
}

func TestRandomIDInRange(t *testing.T) {
	b := &bucket{depth: 9}
	b.prefix[0] = 0xA5 // 9 prefix bits: 10100101 then 0
	for i := 0; i < 16; i++ {
		id := b.randomIDInRange()
		assert.True(t, b.contains(id))
	}
}
