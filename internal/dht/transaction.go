package dht

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"time"
)

// ErrTimeout resolves a pending query whose reply never arrived.
var ErrTimeout = errors.New("dht: query timed out")

// queryTimeout is how long a KRPC query waits for its reply.
const queryTimeout = 5 * time.Second

type pendingQuery struct {
	addr     *net.UDPAddr
	method   string
	sentAt   time.Time
	callback func(*message, error)
}

// transactionManager matches responses to queries by transaction id: a
// 2-byte wrap-around counter. Callbacks fire exactly once, on reply or
// on timeout; a response with an unknown id is reported (and silently
// dropped by the caller).
type transactionManager struct {
	mu      sync.Mutex
	next    uint16
	pending map[string]*pendingQuery
	timeout time.Duration
}

func newTransactionManager(timeout time.Duration) *transactionManager {
	if timeout == 0 {
		timeout = queryTimeout
	}
	return &transactionManager{
		pending: make(map[string]*pendingQuery),
		timeout: timeout,
	}
}

// Register assigns the next transaction id to a query and stores its
// callback.
func (tm *transactionManager) Register(addr *net.UDPAddr, method string, cb func(*message, error)) (txID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	var buf [2]byte
	for {
		binary.BigEndian.PutUint16(buf[:], tm.next)
		tm.next++
		txID = string(buf[:])
		// Skip ids still in flight; with 64k ids and a 5s timeout a
		// collision means something is very wrong anyway.
		if _, ok := tm.pending[txID]; !ok {
			break
		}
	}
	tm.pending[txID] = &pendingQuery{addr: addr, method: method, sentAt: time.Now(), callback: cb}
	return txID
}

// Resolve fires the callback registered for msg's transaction id.
// Unknown ids report false; the caller drops them without fuss.
func (tm *transactionManager) Resolve(msg *message) bool {
	tm.mu.Lock()
	q, ok := tm.pending[msg.T]
	if ok {
		delete(tm.pending, msg.T)
	}
	tm.mu.Unlock()
	if !ok {
		return false
	}
	if msg.Y == msgError && msg.E != nil {
		q.callback(msg, msg.E)
	} else {
		q.callback(msg, nil)
	}
	return true
}

// CheckTimeouts fires ErrTimeout for every query older than the
// timeout. Returns the addresses that timed out (for routing-table
// bookkeeping).
func (tm *transactionManager) CheckTimeouts(now time.Time) []*net.UDPAddr {
	tm.mu.Lock()
	var expired []*pendingQuery
	for id, q := range tm.pending {
		if now.Sub(q.sentAt) > tm.timeout {
			expired = append(expired, q)
			delete(tm.pending, id)
		}
	}
	tm.mu.Unlock()
	addrs := make([]*net.UDPAddr, 0, len(expired))
	for _, q := range expired {
		q.callback(nil, ErrTimeout)
		addrs = append(addrs, q.addr)
	}
	return addrs
}

// FailAll resolves every pending query with ErrTimeout, used at
// shutdown so blocked lookup goroutines unwind.
func (tm *transactionManager) FailAll() {
	tm.mu.Lock()
	expired := make([]*pendingQuery, 0, len(tm.pending))
	for id, q := range tm.pending {
		expired = append(expired, q)
		delete(tm.pending, id)
	}
	tm.mu.Unlock()
	for _, q := range expired {
		q.callback(nil, ErrTimeout)
	}
}

// PendingCount reports in-flight queries, for stats.
func (tm *transactionManager) PendingCount() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.pending)
}
