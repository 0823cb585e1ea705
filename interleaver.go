package rtspserver

import (
	"bytes"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/bluenviron/gortsplib/v4/pkg/base"

	"github.com/terion-name/rtsp-streaming-server/pkg/ringbuffer"
)

const interleaverQueueSize = 256

// tcpInterleaver carries RTP and RTCP packets of one subscriber inside
// its RTSP control connection, as interleaved frames on a fixed channel
// pair. Outbound packets go through a bounded queue drained by a single
// writer routine, so that a slow subscriber cannot stall the routine
// that is fanning out packets.
type tcpInterleaver struct {
	sc          *serverConn
	rtpChannel  int
	rtcpChannel int
	onWarning   func(error)

	queue  *ringbuffer.RingBuffer
	closed int32
	done   chan struct{}
}

func (t *tcpInterleaver) initialize() {
	t.queue, _ = ringbuffer.New(interleaverQueueSize)
	t.done = make(chan struct{})

	go t.run()
}

func (t *tcpInterleaver) run() {
	defer close(t.done)

	for {
		tmp, ok := t.queue.Pull()
		if !ok {
			return
		}

		err := t.sc.writeRaw(tmp.([]byte))
		if err != nil {
			t.onWarning(err)
			return
		}
	}
}

func (t *tcpInterleaver) enqueue(channel int, payload []byte) {
	if atomic.LoadInt32(&t.closed) == 1 {
		return
	}

	buf, _ := base.InterleavedFrame{
		Channel: channel,
		Payload: payload,
	}.Marshal()

	if !t.queue.Push(buf) {
		t.onWarning(fmt.Errorf("write queue of channel %d is full, discarding packet", channel))
	}
}

func (t *tcpInterleaver) sendRTP(payload []byte) {
	t.enqueue(t.rtpChannel, payload)
}

func (t *tcpInterleaver) sendRTCP(payload []byte) {
	t.enqueue(t.rtcpChannel, payload)
}

// close drops the queue and half-closes the control connection.
// It can be called multiple times and from any routine.
func (t *tcpInterleaver) close() {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return
	}

	t.queue.Close()
	<-t.done

	if tc, ok := t.sc.nconn.(*net.TCPConn); ok {
		tc.CloseWrite()
	} else {
		t.sc.nconn.Close()
	}
}

// interleavedDeframer reassembles interleaved frames from a raw byte
// stream. Bytes outside frame boundaries belong to the RTSP text
// protocol that shares the socket; they are skipped silently and never
// surfaced as an error.
type interleavedDeframer struct {
	buf []byte
}

func (d *interleavedDeframer) push(data []byte) []*base.InterleavedFrame {
	d.buf = append(d.buf, data...)

	var frames []*base.InterleavedFrame

	for {
		if len(d.buf) < 4 {
			return frames
		}

		if d.buf[0] != base.InterleavedFrameMagicByte {
			i := bytes.IndexByte(d.buf, base.InterleavedFrameMagicByte)
			if i < 0 {
				d.buf = d.buf[:0]
				return frames
			}
			d.buf = d.buf[i:]
			continue
		}

		payloadLen := int(uint16(d.buf[2])<<8 | uint16(d.buf[3]))
		if len(d.buf) < (4 + payloadLen) {
			return frames
		}

		payload := make([]byte, payloadLen)
		copy(payload, d.buf[4:4+payloadLen])
		frames = append(frames, &base.InterleavedFrame{
			Channel: int(d.buf[1]),
			Payload: payload,
		})

		d.buf = d.buf[4+payloadLen:]
	}
}
