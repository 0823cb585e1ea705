package rtspserver

import (
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/conn"
	"github.com/bluenviron/gortsplib/v4/pkg/headers"

	"github.com/terion-name/rtsp-streaming-server/pkg/liberrors"
)

// ClientServer accepts RTSP subscribers: OPTIONS, DESCRIBE, SETUP, PLAY
// and TEARDOWN. Subscribers attach to mounts published through the
// shared registry and receive the relayed packets over the transport
// they pick during SETUP.
type ClientServer struct {
	//
	// RTSP parameters (all optional except Address and Mounts)
	//
	// address of the TCP listener, e.g. ":5554".
	Address string
	// shared mount registry.
	Mounts *Mounts
	// optional callables.
	Hooks ClientHooks
	// interval after which a subscriber session with no keepalive
	// signal is destroyed. It defaults to 60 seconds.
	KeepaliveTimeout time.Duration
	// period of the sweep that destroys sessions whose mount has left
	// the registry. It defaults to 1 second.
	SweepPeriod time.Duration

	listener net.Listener
	wg       sync.WaitGroup
	done     chan struct{}

	mutex    sync.Mutex
	sessions map[string]*clientWrapper
	conns    map[*clientConn]struct{}
}

// Start begins accepting subscribers.
func (cs *ClientServer) Start() error {
	if cs.KeepaliveTimeout == 0 {
		cs.KeepaliveTimeout = 60 * time.Second
	}
	if cs.SweepPeriod == 0 {
		cs.SweepPeriod = 1 * time.Second
	}

	listener, err := net.Listen("tcp", cs.Address)
	if err != nil {
		return err
	}
	cs.listener = listener
	cs.done = make(chan struct{})
	cs.sessions = make(map[string]*clientWrapper)
	cs.conns = make(map[*clientConn]struct{})

	cs.wg.Add(2)
	go cs.runAccept()
	go cs.runSweeper()

	return nil
}

// Close shuts the listener down and destroys every subscriber session.
func (cs *ClientServer) Close() {
	close(cs.done)
	cs.listener.Close()

	cs.mutex.Lock()
	sessions := make([]*clientWrapper, 0, len(cs.sessions))
	for _, w := range cs.sessions {
		sessions = append(sessions, w)
	}
	conns := make([]*clientConn, 0, len(cs.conns))
	for cc := range cs.conns {
		conns = append(conns, cc)
	}
	cs.mutex.Unlock()

	for _, w := range sessions {
		cs.closeWrapper(w)
	}
	for _, cc := range conns {
		cc.sc.close()
	}

	cs.wg.Wait()
}

func (cs *ClientServer) runAccept() {
	defer cs.wg.Done()

	for {
		nconn, err := cs.listener.Accept()
		if err != nil {
			return
		}

		cc := &clientConn{
			cs:    cs,
			sc:    newServerConn(nconn),
			rconn: conn.NewConn(nconn),
		}

		cs.mutex.Lock()
		cs.conns[cc] = struct{}{}
		cs.mutex.Unlock()

		cs.wg.Add(1)
		go cc.run()
	}
}

// runSweeper periodically destroys sessions whose mount is gone from
// the registry, i.e. whose publisher disconnected.
func (cs *ClientServer) runSweeper() {
	defer cs.wg.Done()

	ticker := time.NewTicker(cs.SweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cs.mutex.Lock()
			sessions := make([]*clientWrapper, 0, len(cs.sessions))
			for _, w := range cs.sessions {
				sessions = append(sessions, w)
			}
			cs.mutex.Unlock()

			for _, w := range sessions {
				if cs.Mounts.GetMount(w.mount.Path()) != w.mount {
					cs.closeWrapper(w)
				}
			}

		case <-cs.done:
			return
		}
	}
}

func (cs *ClientServer) findMount(req *base.Request) (*Mount, error) {
	m := cs.Mounts.GetMount(req.URL.Path)
	if m == nil {
		path, _ := mountPath(req.URL.Path)
		return nil, liberrors.ErrMountNotFound{Path: path}
	}
	return m, nil
}

func (cs *ClientServer) getSession(id string) *clientWrapper {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	return cs.sessions[id]
}

func (cs *ClientServer) addSession(w *clientWrapper) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	cs.sessions[w.id] = w
}

// closeWrapper destroys a session wrapper, unregisters it and fires the
// ClientClose hook. Later calls for the same wrapper are no-ops.
func (cs *ClientServer) closeWrapper(w *clientWrapper) {
	cs.mutex.Lock()
	if cs.sessions[w.id] == w {
		delete(cs.sessions, w.id)
	}
	cs.mutex.Unlock()

	if w.close() && cs.Hooks.ClientClose != nil {
		cs.Hooks.ClientClose(w.mount)
	}
}

func (cs *ClientServer) warn(err error) {
	if cs.Hooks.OnWarning != nil {
		cs.Hooks.OnWarning(err)
		return
	}
	log.Println(err.Error())
}

// authenticate implements the per-request policy: with no hook
// configured everything is allowed; otherwise Basic credentials are
// required, and requests referencing a session must carry the exact
// Authorization header the session was bound with.
func (cs *ClientServer) authenticate(req *base.Request) bool {
	if cs.Hooks.Authentication == nil {
		return true
	}

	if sid := sessionIDOf(req); sid != "" {
		if w := cs.getSession(sid); w != nil && w.authorization != rawAuthorization(req) {
			return false
		}
	}

	return checkBasicAuth(cs.Hooks.Authentication, req)
}

func sessionIDOf(req *base.Request) string {
	var sx headers.Session
	err := sx.Unmarshal(req.Header["Session"])
	if err != nil {
		return ""
	}
	return sx.Session
}

// clientConn is the server side of one subscriber control connection.
type clientConn struct {
	cs    *ClientServer
	sc    *serverConn
	rconn *conn.Conn

	// session bound to this connection, once known. Any inbound data
	// on the connection refreshes its keepalive.
	wrapper *clientWrapper
}

func (cc *clientConn) run() {
	defer cc.cs.wg.Done()

	cc.readLoop()

	cc.sc.close()

	cc.cs.mutex.Lock()
	delete(cc.cs.conns, cc)
	cc.cs.mutex.Unlock()
}

func (cc *clientConn) readLoop() {
	for {
		what, err := cc.rconn.Read()
		if err != nil {
			return
		}

		if cc.wrapper != nil {
			cc.wrapper.refresh()
		}

		switch what := what.(type) {
		case *base.Request:
			res, afterResponse := cc.handleRequest(what)
			err := cc.sc.writeResponse(res, what)
			if afterResponse != nil {
				afterResponse()
			}
			if err != nil {
				return
			}

		case *base.InterleavedFrame:
			// subscribers are not expected to send media; already
			// counted as a keepalive above.
			cc.cs.warn(fmt.Errorf("discarding interleaved frame received from subscriber on channel %d", what.Channel))

		case *base.Response:
			// ignore
		}
	}
}

// handleRequest returns the response and, optionally, a callback to run
// once the response has been written.
func (cc *clientConn) handleRequest(req *base.Request) (*base.Response, func()) {
	switch req.Method {
	case base.Options:
		return cc.handleOptions(req), nil

	case base.Describe:
		return cc.handleDescribe(req), nil

	case base.Setup:
		return cc.handleSetup(req), nil

	case base.Play:
		return cc.handlePlay(req), nil

	case base.Teardown:
		return cc.handleTeardown(req)

	case base.GetParameter:
		if w := cc.cs.getSession(sessionIDOf(req)); w != nil {
			w.refresh()
		}
		return &base.Response{
			StatusCode: base.StatusOK,
			Header: base.Header{
				"Content-Type": base.HeaderValue{"text/parameters"},
			},
		}, nil
	}

	return &base.Response{
		StatusCode: base.StatusNotImplemented,
	}, nil
}

func (cc *clientConn) handleOptions(req *base.Request) *base.Response {
	if sid := sessionIDOf(req); sid != "" {
		if !cc.cs.authenticate(req) {
			return responseUnauthorized()
		}

		w := cc.cs.getSession(sid)
		if w == nil {
			return &base.Response{StatusCode: base.StatusSessionNotFound}
		}
		w.refresh()
		cc.wrapper = w
	}

	return &base.Response{
		StatusCode: base.StatusOK,
		Header: base.Header{
			"Public": base.HeaderValue{strings.Join([]string{
				string(base.Options),
				string(base.Describe),
				string(base.Setup),
				string(base.Play),
				string(base.GetParameter),
				string(base.Teardown),
			}, ", ")},
		},
	}
}

func (cc *clientConn) handleDescribe(req *base.Request) *base.Response {
	if !cc.cs.authenticate(req) {
		return responseUnauthorized()
	}

	if cc.cs.Hooks.CheckMount != nil {
		ok, status := cc.cs.Hooks.CheckMount(req)
		if !ok {
			if status == 0 {
				status = base.StatusForbidden
			}
			return &base.Response{StatusCode: status}
		}
	}

	m, err := cc.cs.findMount(req)
	if err != nil {
		return &base.Response{StatusCode: base.StatusNotFound}
	}

	return &base.Response{
		StatusCode: base.StatusOK,
		Header: base.Header{
			"Content-Type": base.HeaderValue{"application/sdp"},
			"Content-Base": base.HeaderValue{req.URL.String() + "/"},
		},
		Body: m.SDP(),
	}
}

func (cc *clientConn) handleSetup(req *base.Request) *base.Response {
	if !cc.cs.authenticate(req) {
		return responseUnauthorized()
	}

	var w *clientWrapper
	if sid := sessionIDOf(req); sid != "" {
		w = cc.cs.getSession(sid)
		if w == nil {
			return &base.Response{StatusCode: base.StatusSessionNotFound}
		}
	} else {
		var err error
		w, err = newClientWrapper(cc.cs, req)
		if err != nil {
			return &base.Response{StatusCode: base.StatusNotFound}
		}
		cc.cs.addSession(w)
	}

	c, err := w.addClient(req, cc.sc)
	if err != nil {
		return setupClientErrorResponse(err)
	}

	err = c.setup()
	if err != nil {
		c.close()
		return &base.Response{StatusCode: base.StatusInternalServerError}
	}

	cc.wrapper = w

	return &base.Response{
		StatusCode: base.StatusOK,
		Header: base.Header{
			"Session":   sessionHeader(w.id),
			"Transport": c.transportHeader(),
		},
	}
}

func (cc *clientConn) handlePlay(req *base.Request) *base.Response {
	if !cc.cs.authenticate(req) {
		return responseUnauthorized()
	}

	w := cc.cs.getSession(sessionIDOf(req))
	if w == nil {
		return &base.Response{StatusCode: base.StatusSessionNotFound}
	}

	w.play()
	cc.wrapper = w

	res := &base.Response{
		StatusCode: base.StatusOK,
		Header: base.Header{
			"Session": sessionHeader(w.id),
		},
	}
	if v := w.mount.rangeValue(); v != "" {
		res.Header["Range"] = base.HeaderValue{v}
	}
	return res
}

func (cc *clientConn) handleTeardown(req *base.Request) (*base.Response, func()) {
	if !cc.cs.authenticate(req) {
		return responseUnauthorized(), nil
	}

	w := cc.cs.getSession(sessionIDOf(req))
	if w == nil {
		return &base.Response{StatusCode: base.StatusSessionNotFound}, nil
	}

	cc.wrapper = nil

	// destroying the session may half-close this very connection
	// (TCP-interleaved subscribers); do it after the response is out.
	return &base.Response{StatusCode: base.StatusOK}, func() {
		cc.cs.closeWrapper(w)
	}
}

func setupClientErrorResponse(err error) *base.Response {
	switch err.(type) {
	case liberrors.ErrStreamNotFound, liberrors.ErrMountNotFound:
		return &base.Response{StatusCode: base.StatusNotFound}
	case liberrors.ErrSessionNotFound, liberrors.ErrClientClosed:
		return &base.Response{StatusCode: base.StatusSessionNotFound}
	case liberrors.ErrMountPathMismatch,
		liberrors.ErrTransportHeaderInvalid,
		liberrors.ErrTransportHeaderNoClientPorts:
		return &base.Response{StatusCode: base.StatusBadRequest}
	}
	return &base.Response{StatusCode: base.StatusInternalServerError}
}
