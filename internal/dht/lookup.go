package dht

import (
	"net"
	"sort"
	"time"
)

// alpha is the lookup's parallelism.
const alpha = 3

// GetPeersReply is the normalized result of one get_peers query.
type GetPeersReply struct {
	From  *Node
	Token []byte
	Peers []*net.TCPAddr
	Nodes []*Node
}

// LookupFunc performs one blocking get_peers query against n.
type LookupFunc func(n *Node, target InfoHash) (*GetPeersReply, error)

// LookupResult is what an iterative lookup converged on.
type LookupResult struct {
	// Peers are the torrent peers reported by responding nodes, deduped
	// by host:port.
	Peers []*net.TCPAddr
	// Tokens maps a responded node's "host:port" to the announce token
	// it issued.
	Tokens map[string][]byte
	// Closest holds the K closest responded nodes, the announce targets.
	Closest []*Node
	// QueriedCount is how many distinct nodes were queried in total.
	QueriedCount int
}

type lookupCandidate struct {
	node      *Node
	queried   bool
	pending   bool
	responded bool
}

type lookupState struct {
	target     NodeID
	localID    NodeID
	candidates map[string]*lookupCandidate
	peers      map[string]*net.TCPAddr
	tokens     map[string][]byte
	queried    int
}

func candidateKey(n *Node) string { return n.Addr.String() }

func (ls *lookupState) addCandidate(n *Node) {
	if n.ID == ls.localID {
		return
	}
	key := candidateKey(n)
	if _, ok := ls.candidates[key]; ok {
		return
	}
	ls.candidates[key] = &lookupCandidate{node: n}
}

// nextBatch picks up to max unqueried candidates, closest first.
func (ls *lookupState) nextBatch(max int) []*lookupCandidate {
	var avail []*lookupCandidate
	for _, c := range ls.candidates {
		if !c.queried {
			avail = append(avail, c)
		}
	}
	sort.Slice(avail, func(i, j int) bool {
		return closerTo(ls.target, avail[i].node.ID, avail[j].node.ID)
	})
	if len(avail) > max {
		avail = avail[:max]
	}
	return avail
}

// converged implements the Kademlia termination rule: stop once the K
// closest responded candidates are all closer to the target than every
// remaining unqueried candidate (or nothing is left to query).
// Unresponsive nodes count against queriedCount but never block
// termination.
func (ls *lookupState) converged() bool {
	var responded, unqueried []*lookupCandidate
	for _, c := range ls.candidates {
		switch {
		case c.responded:
			responded = append(responded, c)
		case !c.queried:
			unqueried = append(unqueried, c)
		}
	}
	if len(unqueried) == 0 {
		return true
	}
	if len(responded) == 0 {
		return false
	}
	sort.Slice(responded, func(i, j int) bool {
		return closerTo(ls.target, responded[i].node.ID, responded[j].node.ID)
	})
	if len(responded) > bucketSize {
		responded = responded[:bucketSize]
	}
	if len(responded) < bucketSize {
		// Not enough answers yet to call the frontier settled.
		return false
	}
	worstResponded := responded[len(responded)-1].node.ID
	for _, c := range unqueried {
		if closerTo(ls.target, c.node.ID, worstResponded) {
			return false
		}
	}
	return true
}

// Lookup runs the iterative get_peers algorithm for target, seeded from
// seeds (typically the routing table's K closest), querying through
// query. It blocks until convergence.
func Lookup(localID NodeID, target InfoHash, seeds []*Node, query LookupFunc) *LookupResult {
	ls := &lookupState{
		target:     NodeID(target),
		localID:    localID,
		candidates: make(map[string]*lookupCandidate),
		peers:      make(map[string]*net.TCPAddr),
		tokens:     make(map[string][]byte),
	}
	for _, s := range seeds {
		ls.addCandidate(s)
	}

	type reply struct {
		cand *lookupCandidate
		resp *GetPeersReply
		err  error
	}
	replyC := make(chan reply)
	inflight := 0

	launch := func() {
		for _, c := range ls.nextBatch(alpha - inflight) {
			c.queried = true
			c.pending = true
			ls.queried++
			inflight++
			go func(c *lookupCandidate) {
				resp, err := query(c.node, target)
				replyC <- reply{cand: c, resp: resp, err: err}
			}(c)
		}
	}

	launch()
	for inflight > 0 {
		r := <-replyC
		inflight--
		r.cand.pending = false
		if r.err == nil && r.resp != nil {
			r.cand.responded = true
			key := candidateKey(r.cand.node)
			if len(r.resp.Token) > 0 {
				ls.tokens[key] = r.resp.Token
			}
			for _, p := range r.resp.Peers {
				ls.peers[p.String()] = p
			}
			for _, n := range r.resp.Nodes {
				ls.addCandidate(n)
			}
		}
		if !ls.converged() {
			launch()
		}
	}

	res := &LookupResult{
		Tokens:       ls.tokens,
		QueriedCount: ls.queried,
	}
	for _, p := range ls.peers {
		res.Peers = append(res.Peers, p)
	}
	var responded []*Node
	for _, c := range ls.candidates {
		if c.responded {
			responded = append(responded, c.node)
		}
	}
	sort.Slice(responded, func(i, j int) bool {
		return closerTo(ls.target, responded[i].ID, responded[j].ID)
	})
	if len(responded) > bucketSize {
		responded = responded[:bucketSize]
	}
	res.Closest = responded
	return res
}

// lastSeenNow stamps nodes discovered during a lookup.
func lastSeenNow(nodes []*Node) []*Node {
	now := time.Now()
	for _, n := range nodes {
		n.LastSeen = now
	}
	return nodes
}
