package dht

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// simNetwork is an in-memory DHT of n nodes: every node knows its 16
// closest neighbours, answers get_peers with its 8 closest known nodes
// to the target, and the k nodes closest to the target hold the planted
// peers.
type simNetwork struct {
	mu      sync.Mutex // queries run concurrently (alpha parallelism)
	nodes   []*Node
	known   map[string][]*Node // addr key -> neighbours
	holders map[string]bool    // addr key -> has planted peers
	planted []*net.TCPAddr
	queried map[string]int
}

func newSimNetwork(t *testing.T, n int, target InfoHash) *simNetwork {
	t.Helper()
	sim := &simNetwork{
		known:   make(map[string][]*Node),
		holders: make(map[string]bool),
		queried: make(map[string]int),
	}
	// Deterministic ids so the test never flakes: spread over the
	// keyspace by hashing the index into the first bytes.
	for i := 0; i < n; i++ {
		var id NodeID
		id[0] = byte(i * 255 / n)
		id[1] = byte(i * 37)
		id[2] = byte(i)
		id[19] = byte(i)
		sim.nodes = append(sim.nodes, &Node{
			ID:       id,
			Addr:     &net.UDPAddr{IP: net.IPv4(10, 0, byte(i/256), byte(i%256)).To4(), Port: 6881},
			LastSeen: time.Now(),
		})
	}
	// Each node knows its 16 closest neighbours by XOR distance.
	for _, self := range sim.nodes {
		neighbours := append([]*Node(nil), sim.nodes...)
		sort.Slice(neighbours, func(a, b int) bool {
			return closerTo(self.ID, neighbours[a].ID, neighbours[b].ID)
		})
		// neighbours[0] is self.
		end := 17
		if end > len(neighbours) {
			end = len(neighbours)
		}
		sim.known[candidateKey(self)] = neighbours[1:end]
	}
	// Plant peers at the bucketSize nodes closest to the target.
	byTarget := append([]*Node(nil), sim.nodes...)
	sort.Slice(byTarget, func(a, b int) bool {
		return closerTo(NodeID(target), byTarget[a].ID, byTarget[b].ID)
	})
	for i := 0; i < bucketSize; i++ {
		sim.holders[candidateKey(byTarget[i])] = true
	}
	for i := 1; i <= 5; i++ {
		sim.planted = append(sim.planted, &net.TCPAddr{
			IP: net.IPv4(192, 168, 1, byte(i)).To4(), Port: 51413,
		})
	}
	return sim
}

func (sim *simNetwork) query(n *Node, target InfoHash) (*GetPeersReply, error) {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	key := candidateKey(n)
	sim.queried[key]++
	reply := &GetPeersReply{
		From:  n,
		Token: []byte(fmt.Sprintf("tok-%s", key))[:8],
	}
	neighbours := append([]*Node(nil), sim.known[key]...)
	sort.Slice(neighbours, func(a, b int) bool {
		return closerTo(NodeID(target), neighbours[a].ID, neighbours[b].ID)
	})
	if len(neighbours) > bucketSize {
		neighbours = neighbours[:bucketSize]
	}
	reply.Nodes = neighbours
	if sim.holders[key] {
		reply.Peers = sim.planted
	}
	return reply, nil
}

// Scenario: a 50-node network with peers planted at the K nodes closest
// to the target. The lookup must find some of them, converge well
// before exhausting the network, and collect announce tokens.
func TestLookupConvergence(t *testing.T) {
	target := InfoHash{0xAB, 0xCD, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18}
	sim := newSimNetwork(t, 50, target)

	// Start from a random node's view of the network.
	localID := RandomNodeID()
	seeds := append([]*Node(nil), sim.known[candidateKey(sim.nodes[42])]...)
	if len(seeds) > bucketSize {
		seeds = seeds[:bucketSize]
	}

	res := Lookup(localID, target, seeds, sim.query)

	require.NotEmpty(t, res.Peers, "planted peers must be found")
	plantedSet := make(map[string]bool)
	for _, p := range sim.planted {
		plantedSet[p.String()] = true
	}
	for _, p := range res.Peers {
		assert.True(t, plantedSet[p.String()], "found peer %s was never planted", p)
	}

	assert.Less(t, res.QueriedCount, 50, "lookup must converge before querying the whole network")
	assert.NotEmpty(t, res.Tokens)
	require.NotEmpty(t, res.Closest)
	assert.LessOrEqual(t, len(res.Closest), bucketSize)

	// No node is queried twice.
	for key, n := range sim.queried {
		assert.Equal(t, 1, n, "node %s queried more than once", key)
	}
}

// Unresponsive nodes must not block termination; they count as queried.
func TestLookupToleratesTimeouts(t *testing.T) {
	target := InfoHash{1}
	sim := newSimNetwork(t, 30, target)
	dead := make(map[string]bool)
	for i, n := range sim.nodes {
		if i%3 == 0 {
			dead[candidateKey(n)] = true
		}
	}
	query := func(n *Node, tgt InfoHash) (*GetPeersReply, error) {
		if dead[candidateKey(n)] {
			return nil, ErrTimeout
		}
		return sim.query(n, tgt)
	}

	seeds := sim.known[candidateKey(sim.nodes[1])][:bucketSize]
	res := Lookup(RandomNodeID(), target, seeds, query)
	assert.NotNil(t, res)
	assert.Greater(t, res.QueriedCount, 0)
}

func TestLookupEmptySeeds(t *testing.T) {
	res := Lookup(RandomNodeID(), InfoHash{1}, nil, func(*Node, InfoHash) (*GetPeersReply, error) {
		t.Fatal("query must not be called without seeds")
		return nil, nil
	})
	assert.Empty(t, res.Peers)
	assert.Zero(t, res.QueriedCount)
}
