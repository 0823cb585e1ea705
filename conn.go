package rtspserver

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/google/uuid"
)

const (
	connWriteTimeout = 10 * time.Second

	serverHeader = "rtsp-streaming-server"

	// value of the timeout parameter echoed in Session headers.
	sessionHeaderTimeout = 30
)

// use an UUID without dashes, since dashes confuse some clients.
func newSessionID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// serverConn wraps the network connection of a RTSP peer.
// Responses and interleaved frames may be produced by different
// routines; writes are serialized so they never interleave on the wire.
// Reading is left to the owner, since publisher and subscriber
// connections consume the byte stream differently.
type serverConn struct {
	nconn net.Conn

	writeMutex sync.Mutex
}

func newServerConn(nconn net.Conn) *serverConn {
	return &serverConn{
		nconn: nconn,
	}
}

func (sc *serverConn) writeResponse(res *base.Response, req *base.Request) error {
	if res.Header == nil {
		res.Header = make(base.Header)
	}
	res.Header["Server"] = base.HeaderValue{serverHeader}
	if cseq, ok := req.Header["CSeq"]; ok {
		res.Header["CSeq"] = cseq
	}

	buf, err := res.Marshal()
	if err != nil {
		return err
	}

	return sc.writeRaw(buf)
}

func (sc *serverConn) writeRaw(buf []byte) error {
	sc.writeMutex.Lock()
	defer sc.writeMutex.Unlock()

	sc.nconn.SetWriteDeadline(time.Now().Add(connWriteTimeout))
	_, err := sc.nconn.Write(buf)
	return err
}

func (sc *serverConn) remoteIP() net.IP {
	return sc.nconn.RemoteAddr().(*net.TCPAddr).IP
}

func (sc *serverConn) close() {
	sc.nconn.Close()
}
