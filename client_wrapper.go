package rtspserver

import (
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/base"

	"github.com/terion-name/rtsp-streaming-server/pkg/liberrors"
)

// clientWrapper aggregates the subscriber sessions created on one RTSP
// control connection, under the session id returned to the peer. It
// owns the keepalive timer: when no refresh arrives within the
// configured interval, the wrapper closes itself and every session in
// it.
type clientWrapper struct {
	id            string
	cs            *ClientServer
	mount         *Mount
	authorization string

	mutex          sync.Mutex
	clients        map[string]*client
	keepaliveTimer *time.Timer
	closed         bool
}

// newClientWrapper resolves the mount addressed by req and binds the
// request's Authorization header to the new session.
func newClientWrapper(cs *ClientServer, req *base.Request) (*clientWrapper, error) {
	m, err := cs.findMount(req)
	if err != nil {
		return nil, err
	}

	w := &clientWrapper{
		id:            newSessionID(),
		cs:            cs,
		mount:         m,
		authorization: rawAuthorization(req),
		clients:       make(map[string]*client),
	}
	w.keepaliveTimer = time.AfterFunc(cs.KeepaliveTimeout, w.expire)

	return w, nil
}

// addClient creates a subscriber session under this wrapper. UDP
// sessions refresh the keepalive through inbound RTCP; TCP sessions are
// refreshed by the control connection reader.
func (w *clientWrapper) addClient(req *base.Request, sc *serverConn) (*client, error) {
	c, err := newClient(w.mount, req, sc, w.refresh, w.cs.warn)
	if err != nil {
		return nil, err
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		c.close()
		return nil, liberrors.ErrClientClosed{}
	}

	w.clients[c.id] = c
	return c, nil
}

// play attaches every session of the wrapper to its stream.
func (w *clientWrapper) play() {
	for _, c := range w.snapshotClients() {
		c.play()
	}
}

func (w *clientWrapper) snapshotClients() []*client {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	ret := make([]*client, 0, len(w.clients))
	for _, c := range w.clients {
		ret = append(ret, c)
	}
	return ret
}

// refresh postpones the keepalive deadline by a full interval.
func (w *clientWrapper) refresh() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return
	}

	w.keepaliveTimer.Stop()
	w.keepaliveTimer = time.AfterFunc(w.cs.KeepaliveTimeout, w.expire)
}

func (w *clientWrapper) expire() {
	w.cs.closeWrapper(w)
}

// close stops the keepalive timer and closes every contained session.
// It can be called multiple times and from any routine, including the
// timer's; it reports whether this call performed the close.
func (w *clientWrapper) close() bool {
	w.mutex.Lock()
	if w.closed {
		w.mutex.Unlock()
		return false
	}
	w.closed = true
	w.keepaliveTimer.Stop()
	clients := make([]*client, 0, len(w.clients))
	for _, c := range w.clients {
		clients = append(clients, c)
	}
	w.clients = make(map[string]*client)
	w.mutex.Unlock()

	for _, c := range clients {
		c.close()
	}
	return true
}
