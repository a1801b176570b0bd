// Package acceptor owns a torrent's TCP listener, pushing raw accepted
// connections into the torrent loop for handshaking.
package acceptor

import (
	"net"

	"github.com/cenkalti/goridge/internal/logger"
)

// Acceptor accepts connections on one listener until closed.
type Acceptor struct {
	listener net.Listener
	conns    chan net.Conn
	log      logger.Logger
	closeC   chan struct{}
	doneC    chan struct{}
}

// New returns an Acceptor for ln, sending accepted sockets to conns.
func New(ln net.Listener, conns chan net.Conn, l logger.Logger) *Acceptor {
	return &Acceptor{
		listener: ln,
		conns:    conns,
		log:      l,
		closeC:   make(chan struct{}),
		doneC:    make(chan struct{}),
	}
}

// Close stops the listener and waits for Run to return.
func (a *Acceptor) Close() {
	close(a.closeC)
	a.listener.Close()
	<-a.doneC
}

// Run accepts until the listener is closed.
func (a *Acceptor) Run() {
	defer close(a.doneC)
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.closeC:
			default:
				a.log.Errorln("cannot accept connection:", err)
			}
			return
		}
		select {
		case a.conns <- conn:
		case <-a.closeC:
			conn.Close()
			return
		}
	}
}
