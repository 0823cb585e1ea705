package rtspserver

import (
	"errors"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/terion-name/rtsp-streaming-server/pkg/liberrors"
)

const (
	udpMaxPayloadSize       = 1472
	udpKernelReadBufferSize = 0x80000 // same as gstreamer's rtspsrc
	udpWriteTimeout         = 10 * time.Second
)

// udpListener is a single bound UDP socket, receiving either RTP or
// RTCP. Every received datagram is handed to onPacket; the payload is
// owned by the callback.
type udpListener struct {
	port     int
	onPacket func(payload []byte)

	pc   *net.UDPConn
	done chan struct{}
}

func (u *udpListener) initialize() error {
	tmp, err := net.ListenPacket("udp4", ":"+strconv.Itoa(u.port))
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return liberrors.ErrPortInUse{Port: u.port}
		}
		return err
	}
	u.pc = tmp.(*net.UDPConn)

	err = u.pc.SetReadBuffer(udpKernelReadBufferSize)
	if err != nil {
		u.pc.Close()
		return err
	}

	u.done = make(chan struct{})

	go u.run()

	return nil
}

func (u *udpListener) close() {
	u.pc.Close()
	<-u.done
}

func (u *udpListener) run() {
	defer close(u.done)

	buf := make([]byte, udpMaxPayloadSize+1)

	for {
		n, _, err := u.pc.ReadFrom(buf)
		if err != nil {
			return
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		u.onPacket(payload)
	}
}

func (u *udpListener) write(buf []byte, addr *net.UDPAddr) error {
	// no mutex is needed here since Write() has an internal lock.
	// https://github.com/golang/go/issues/27203#issuecomment-534386117
	u.pc.SetWriteDeadline(time.Now().Add(udpWriteTimeout))
	_, err := u.pc.WriteTo(buf, addr)
	return err
}
