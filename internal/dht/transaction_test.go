package dht

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUDPAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6881}

func TestResolveFiresCallbackOnce(t *testing.T) {
	tm := newTransactionManager(time.Second)
	var got *message
	tx := tm.Register(testUDPAddr, methodPing, func(m *message, err error) {
		require.NoError(t, err)
		got = m
	})
	assert.Len(t, tx, 2, "transaction ids are two bytes")

	resp := newResponse(tx, testID)
	assert.True(t, tm.Resolve(resp))
	require.NotNil(t, got)
	assert.Equal(t, tx, got.T)

	assert.False(t, tm.Resolve(resp), "second resolve finds nothing")
	assert.Equal(t, 0, tm.PendingCount())
}

// A response with an unknown transaction id is dropped without effect.
func TestUnknownTransactionDropped(t *testing.T) {
	tm := newTransactionManager(time.Second)
	assert.False(t, tm.Resolve(newResponse("zz", testID)))
}

func TestTimeoutFiresErrTimeout(t *testing.T) {
	tm := newTransactionManager(50 * time.Millisecond)
	var gotErr error
	tm.Register(testUDPAddr, methodGetPeers, func(m *message, err error) {
		gotErr = err
	})
	addrs := tm.CheckTimeouts(time.Now().Add(100 * time.Millisecond))
	require.Len(t, addrs, 1)
	assert.ErrorIs(t, gotErr, ErrTimeout)
	assert.Equal(t, 0, tm.PendingCount())
}

func TestErrorReplyPropagates(t *testing.T) {
	tm := newTransactionManager(time.Second)
	var gotErr error
	tx := tm.Register(testUDPAddr, methodGetPeers, func(m *message, err error) {
		gotErr = err
	})
	tm.Resolve(newErrorReply(tx, errGeneric, "server error"))
	require.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "server error")
}

func TestIDsWrapAround(t *testing.T) {
	tm := newTransactionManager(time.Second)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tx := tm.Register(testUDPAddr, methodPing, func(*message, error) {})
		assert.False(t, seen[tx])
		seen[tx] = true
		tm.Resolve(newResponse(tx, testID))
	}
}

func TestFailAll(t *testing.T) {
	tm := newTransactionManager(time.Minute)
	errs := 0
	for i := 0; i < 3; i++ {
		tm.Register(testUDPAddr, methodPing, func(m *message, err error) {
			if err != nil {
				errs++
			}
		})
	}
	tm.FailAll()
	assert.Equal(t, 3, errs)
	assert.Equal(t, 0, tm.PendingCount())
}
