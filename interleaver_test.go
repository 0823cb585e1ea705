package rtspserver

import (
	"net"
	"testing"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/conn"
	"github.com/stretchr/testify/require"
)

func marshalFrame(t *testing.T, channel int, payload []byte) []byte {
	buf, err := base.InterleavedFrame{
		Channel: channel,
		Payload: payload,
	}.Marshal()
	require.NoError(t, err)
	return buf
}

func TestDeframerRoundTrip(t *testing.T) {
	in := []struct {
		channel int
		payload []byte
	}{
		{0, []byte{0x01}},
		{1, []byte("abcd")},
		{2, []byte{}},
		{0, []byte("a longer payload that spans more than one chunk")},
	}

	var wire []byte
	for _, f := range in {
		wire = append(wire, marshalFrame(t, f.channel, f.payload)...)
	}

	// feed the stream in small chunks; frames must come out intact and
	// in order regardless of how the stream is fragmented.
	for _, chunkSize := range []int{1, 3, 7, len(wire)} {
		var d interleavedDeframer
		var out []*base.InterleavedFrame

		for i := 0; i < len(wire); i += chunkSize {
			end := i + chunkSize
			if end > len(wire) {
				end = len(wire)
			}
			out = append(out, d.push(wire[i:end])...)
		}

		require.Equal(t, len(in), len(out))
		for i, f := range in {
			require.Equal(t, f.channel, out[i].Channel)
			require.Equal(t, f.payload, out[i].Payload)
		}
	}
}

func TestDeframerResync(t *testing.T) {
	var d interleavedDeframer

	// RTSP text interleaved with frames is skipped silently.
	var wire []byte
	wire = append(wire, []byte("OPTIONS rtsp://localhost/test RTSP/1.0\r\nCSeq: 5\r\n\r\n")...)
	wire = append(wire, marshalFrame(t, 0, []byte("first"))...)
	wire = append(wire, []byte("garbage")...)
	wire = append(wire, marshalFrame(t, 1, []byte("second"))...)

	out := d.push(wire)

	require.Equal(t, 2, len(out))
	require.Equal(t, 0, out[0].Channel)
	require.Equal(t, []byte("first"), out[0].Payload)
	require.Equal(t, 1, out[1].Channel)
	require.Equal(t, []byte("second"), out[1].Payload)
}

func TestDeframerJunkOnly(t *testing.T) {
	var d interleavedDeframer

	out := d.push([]byte("no frames in here"))
	require.Equal(t, 0, len(out))

	// a frame arriving afterwards is still decoded
	out = d.push(marshalFrame(t, 3, []byte("ok")))
	require.Equal(t, 1, len(out))
	require.Equal(t, 3, out[0].Channel)
	require.Equal(t, []byte("ok"), out[0].Payload)
}

func TestInterleaverOrder(t *testing.T) {
	p1, p2 := net.Pipe()
	defer p2.Close()

	done := make(chan []*base.InterleavedFrame)
	go func() {
		rc := conn.NewConn(p2)
		var frames []*base.InterleavedFrame
		for len(frames) < 6 {
			fr, err := rc.ReadInterleavedFrame()
			if err != nil {
				break
			}
			frames = append(frames, &base.InterleavedFrame{
				Channel: fr.Channel,
				Payload: append([]byte(nil), fr.Payload...),
			})
		}
		done <- frames
	}()

	it := &tcpInterleaver{
		sc:          newServerConn(p1),
		rtpChannel:  4,
		rtcpChannel: 5,
		onWarning:   func(_ error) {},
	}
	it.initialize()
	defer it.close()

	for i := 0; i < 3; i++ {
		it.sendRTP([]byte{byte(i), 0xAA})
		it.sendRTCP([]byte{byte(i), 0xBB})
	}

	select {
	case frames := <-done:
		require.Equal(t, 6, len(frames))
		for i := 0; i < 3; i++ {
			require.Equal(t, 4, frames[i*2].Channel)
			require.Equal(t, []byte{byte(i), 0xAA}, frames[i*2].Payload)
			require.Equal(t, 5, frames[i*2+1].Channel)
			require.Equal(t, []byte{byte(i), 0xBB}, frames[i*2+1].Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestInterleaverCloseIdempotent(t *testing.T) {
	p1, p2 := net.Pipe()
	defer p2.Close()

	// consume whatever arrives so the writer is never stuck
	go func() {
		buf := make([]byte, 1024)
		for {
			_, err := p2.Read(buf)
			if err != nil {
				return
			}
		}
	}()

	it := &tcpInterleaver{
		sc:          newServerConn(p1),
		rtpChannel:  0,
		rtcpChannel: 1,
		onWarning:   func(_ error) {},
	}
	it.initialize()

	it.sendRTP([]byte{1})
	it.close()
	it.close()

	// sends after close are no-ops
	it.sendRTP([]byte{2})
	it.sendRTCP([]byte{3})
}
