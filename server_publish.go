package rtspserver

import (
	"bufio"
	"log"
	"net"
	"strings"
	"sync"

	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/headers"

	"github.com/terion-name/rtsp-streaming-server/pkg/liberrors"
)

const publishReadBufferSize = 4096

type errSwitchReadFunc struct{}

func (errSwitchReadFunc) Error() string {
	return "switching read function"
}

// PublishServer accepts RTSP publishers: OPTIONS, ANNOUNCE, SETUP,
// RECORD and TEARDOWN. Each ANNOUNCE creates a mount in the shared
// registry; ingress packets are fanned out to the mount's subscribers.
type PublishServer struct {
	//
	// RTSP parameters (all optional except Address and Mounts)
	//
	// address of the TCP listener, e.g. ":5554".
	Address string
	// shared mount registry.
	Mounts *Mounts
	// optional callables.
	Hooks PublishHooks

	listener net.Listener
	wg       sync.WaitGroup

	mutex sync.Mutex
	conns map[*publishConn]struct{}
}

// Start begins accepting publishers.
func (ps *PublishServer) Start() error {
	listener, err := net.Listen("tcp", ps.Address)
	if err != nil {
		return err
	}
	ps.listener = listener
	ps.conns = make(map[*publishConn]struct{})

	ps.wg.Add(1)
	go ps.runAccept()

	return nil
}

// Close shuts the listener down and tears every publisher connection
// down, releasing their mounts and ports.
func (ps *PublishServer) Close() {
	ps.listener.Close()

	ps.mutex.Lock()
	conns := make([]*publishConn, 0, len(ps.conns))
	for pc := range ps.conns {
		conns = append(conns, pc)
	}
	ps.mutex.Unlock()

	for _, pc := range conns {
		pc.sc.close()
	}

	ps.wg.Wait()
}

func (ps *PublishServer) runAccept() {
	defer ps.wg.Done()

	for {
		nconn, err := ps.listener.Accept()
		if err != nil {
			return
		}

		pc := &publishConn{
			ps: ps,
			sc: newServerConn(nconn),
			br: bufio.NewReaderSize(nconn, publishReadBufferSize),
		}
		pc.channels = make(map[int]publishChannel)

		ps.mutex.Lock()
		ps.conns[pc] = struct{}{}
		ps.mutex.Unlock()

		ps.wg.Add(1)
		go pc.run()
	}
}

func (ps *PublishServer) removeConn(pc *publishConn) {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	delete(ps.conns, pc)
}

func (ps *PublishServer) warn(err error) {
	if ps.Hooks.OnWarning != nil {
		ps.Hooks.OnWarning(err)
		return
	}
	log.Println(err.Error())
}

// publishChannel maps an interleaved channel of a TCP publisher to the
// fan-out of one of its streams.
type publishChannel struct {
	st  *stream
	rtp bool
}

// publishConn is the server side of one publisher control connection,
// holding its RTSP state: the accepted Authorization header, the mount
// created by ANNOUNCE, and the interleaved channel layout.
type publishConn struct {
	ps *PublishServer
	sc *serverConn
	br *bufio.Reader

	authorization string
	mount         *Mount
	tcpTransport  bool
	channels      map[int]publishChannel
	deframer      interleavedDeframer

	cleanupOnce sync.Once
}

func (pc *publishConn) run() {
	defer pc.ps.wg.Done()

	readFunc := pc.readFuncStandard

	for {
		err := readFunc()
		if _, ok := err.(errSwitchReadFunc); ok {
			readFunc = pc.readFuncRaw
			continue
		}
		break
	}

	pc.cleanup()
}

// cleanup releases everything the connection owns. It runs on socket
// close or error, and also after an orderly TEARDOWN, where most of it
// is a no-op.
func (pc *publishConn) cleanup() {
	pc.cleanupOnce.Do(func() {
		pc.closeMount()
		pc.sc.close()
		pc.ps.removeConn(pc)
	})
}

func (pc *publishConn) closeMount() {
	m := pc.mount
	if m == nil {
		return
	}
	pc.mount = nil

	for _, port := range m.close() {
		pc.ps.Mounts.ReleaseRTPPort(port)
	}
	pc.ps.Mounts.deleteMountIfSame(m)
}

// readFuncStandard parses RTSP requests, plus interleaved frames that
// an eager TCP publisher may send between SETUP and RECORD.
func (pc *publishConn) readFuncStandard() error {
	for {
		byts, err := pc.br.Peek(1)
		if err != nil {
			return err
		}

		if byts[0] == base.InterleavedFrameMagicByte {
			var fr base.InterleavedFrame
			err := fr.Unmarshal(pc.br)
			if err != nil {
				return err
			}
			pc.handleFrame(fr.Channel, fr.Payload)
			continue
		}

		var req base.Request
		err = req.Unmarshal(pc.br)
		if err != nil {
			return err
		}

		res, switchToRaw := pc.handleRequest(&req)

		err = pc.sc.writeResponse(res, &req)
		if err != nil {
			return err
		}

		if switchToRaw {
			return errSwitchReadFunc{}
		}
	}
}

// readFuncRaw runs after RECORD on a TCP-interleaved publisher: the
// byte stream is handed to the deframer, which skips anything that is
// not an interleaved frame.
func (pc *publishConn) readFuncRaw() error {
	buf := make([]byte, publishReadBufferSize)

	for {
		n, err := pc.br.Read(buf)
		if err != nil {
			return err
		}

		for _, fr := range pc.deframer.push(buf[:n]) {
			pc.handleFrame(fr.Channel, fr.Payload)
		}
	}
}

func (pc *publishConn) handleFrame(channel int, payload []byte) {
	ch, ok := pc.channels[channel]
	if !ok {
		return
	}

	if ch.rtp {
		ch.st.forwardRTP(payload)
	} else {
		ch.st.forwardRTCP(payload)
	}
}

func (pc *publishConn) authMatches(req *base.Request) bool {
	return pc.authorization == rawAuthorization(req)
}

func (pc *publishConn) handleRequest(req *base.Request) (*base.Response, bool) {
	switch req.Method {
	case base.Options:
		return &base.Response{
			StatusCode: base.StatusOK,
			Header: base.Header{
				"Public": base.HeaderValue{strings.Join([]string{
					string(base.Options),
					string(base.Announce),
					string(base.Setup),
					string(base.Record),
					string(base.GetParameter),
					string(base.Teardown),
				}, ", ")},
			},
		}, false

	case base.Announce:
		return pc.handleAnnounce(req), false

	case base.Setup:
		return pc.handleSetup(req), false

	case base.Record:
		return pc.handleRecord(req)

	case base.Teardown:
		return pc.handleTeardown(req), false

	case base.GetParameter:
		// used as a ping; reply with 200
		return &base.Response{
			StatusCode: base.StatusOK,
			Header: base.Header{
				"Content-Type": base.HeaderValue{"text/parameters"},
			},
		}, false
	}

	return &base.Response{
		StatusCode: base.StatusNotImplemented,
	}, false
}

func (pc *publishConn) handleAnnounce(req *base.Request) *base.Response {
	if !checkBasicAuth(pc.ps.Hooks.Authentication, req) {
		return responseUnauthorized()
	}

	if pc.ps.Hooks.CheckMount != nil && !pc.ps.Hooks.CheckMount(req) {
		return &base.Response{StatusCode: base.StatusForbidden}
	}

	m, err := pc.ps.Mounts.AddMount(req.URL.Path, req.Body, pc.ps.Hooks)
	if err != nil {
		return &base.Response{StatusCode: base.StatusServiceUnavailable}
	}

	pc.mount = m
	pc.authorization = rawAuthorization(req)

	return &base.Response{
		StatusCode: base.StatusOK,
		Header: base.Header{
			"Session": sessionHeader(m.ID()),
		},
	}
}

func (pc *publishConn) handleSetup(req *base.Request) *base.Response {
	if !pc.authMatches(req) {
		return responseUnauthorized()
	}

	m := pc.ps.Mounts.GetMount(req.URL.Path)
	if m == nil {
		return &base.Response{StatusCode: base.StatusNotFound}
	}

	var ths headers.Transports
	err := ths.Unmarshal(req.Header["Transport"])
	if err != nil {
		return &base.Response{StatusCode: base.StatusBadRequest}
	}
	th := ths[0]

	if th.Protocol == headers.TransportProtocolTCP {
		channels := &[2]int{0, 1}
		if th.InterleavedIDs != nil {
			channels = th.InterleavedIDs
		}

		st, err := m.createStream(req.URL.Path, true)
		if err != nil {
			return setupErrorResponse(err)
		}

		pc.tcpTransport = true
		pc.channels[channels[0]] = publishChannel{st: st, rtp: true}
		pc.channels[channels[1]] = publishChannel{st: st, rtp: false}

		delivery := headers.TransportDeliveryUnicast
		return &base.Response{
			StatusCode: base.StatusOK,
			Header: base.Header{
				"Transport": headers.Transport{
					Protocol:       headers.TransportProtocolTCP,
					Delivery:       &delivery,
					InterleavedIDs: channels,
				}.Marshal(),
				"Session": sessionHeader(m.ID()),
			},
		}
	}

	st, err := m.createStream(req.URL.Path, false)
	if err != nil {
		return setupErrorResponse(err)
	}

	// echo the transport requested by the publisher, with the server
	// ports appended.
	th.ServerPorts = &[2]int{st.rtpPort, st.rtcpPort}

	return &base.Response{
		StatusCode: base.StatusOK,
		Header: base.Header{
			"Transport": th.Marshal(),
			"Session":   sessionHeader(m.ID()),
		},
	}
}

func (pc *publishConn) handleRecord(req *base.Request) (*base.Response, bool) {
	if !pc.authMatches(req) {
		return responseUnauthorized(), false
	}

	m := pc.ps.Mounts.GetMount(req.URL.Path)
	if m == nil {
		return &base.Response{StatusCode: base.StatusNotFound}, false
	}

	var sx headers.Session
	err := sx.Unmarshal(req.Header["Session"])
	if err != nil || sx.Session != m.ID() {
		return &base.Response{StatusCode: base.StatusSessionNotFound}, false
	}

	if v, ok := req.Header["Range"]; ok && len(v) == 1 {
		m.setRange(v[0])
	}

	err = m.setup()
	if err != nil {
		return &base.Response{StatusCode: base.StatusInternalServerError}, false
	}

	return &base.Response{
		StatusCode: base.StatusOK,
		Header: base.Header{
			"Session": sessionHeader(m.ID()),
		},
	}, pc.tcpTransport
}

func (pc *publishConn) handleTeardown(req *base.Request) *base.Response {
	if !pc.authMatches(req) {
		return responseUnauthorized()
	}

	pc.closeMount()

	return &base.Response{StatusCode: base.StatusOK}
}

func setupErrorResponse(err error) *base.Response {
	switch err.(type) {
	case liberrors.ErrStreamAlreadyExists, liberrors.ErrMountAlreadyExists:
		return &base.Response{StatusCode: base.StatusServiceUnavailable}
	case liberrors.ErrPortPoolExhausted:
		return &base.Response{StatusCode: base.StatusInternalServerError}
	}
	return &base.Response{StatusCode: base.StatusInternalServerError}
}

func sessionHeader(id string) base.HeaderValue {
	timeout := uint(sessionHeaderTimeout)
	return headers.Session{
		Session: id,
		Timeout: &timeout,
	}.Marshal()
}
