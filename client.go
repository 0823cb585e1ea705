package rtspserver

import (
	"errors"
	"net"
	"sync"

	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/headers"

	"github.com/terion-name/rtsp-streaming-server/pkg/liberrors"
)

// client is one subscriber leg: a single SETUP on a subscriber control
// connection. It holds non-owning references to its mount and stream,
// and owns its transport resources (a server-side UDP socket pair, or
// an interleaver on the control connection).
type client struct {
	id        string
	mount     *Mount
	stream    *stream
	transport transportProtocol

	onKeepalive func()
	onWarning   func(error)

	// UDP
	remoteIP       net.IP
	remoteRTPPort  int
	remoteRTCPPort int
	serverRTPPort  int
	rtpListener    *udpListener
	rtcpListener   *udpListener

	// TCP
	interleaver *tcpInterleaver

	mutex sync.Mutex
	open  bool
}

type transportProtocol int

const (
	transportUDP transportProtocol = iota
	transportTCP
)

// newClient validates the SETUP request against the mount and prepares
// the session for the requested transport. Sockets are not bound yet;
// that happens in setup().
func newClient(
	mount *Mount,
	req *base.Request,
	sc *serverConn,
	onKeepalive func(),
	onWarning func(error),
) (*client, error) {
	path, streamID := mountPath(req.URL.Path)
	if path != mount.Path() {
		return nil, liberrors.ErrMountPathMismatch{Requested: path, Bound: mount.Path()}
	}

	st := mount.stream(streamID)
	if st == nil {
		return nil, liberrors.ErrStreamNotFound{ID: streamID}
	}

	var ths headers.Transports
	err := ths.Unmarshal(req.Header["Transport"])
	if err != nil {
		return nil, liberrors.ErrTransportHeaderInvalid{Err: err}
	}
	th := ths[0]

	c := &client{
		id:          newSessionID(),
		mount:       mount,
		stream:      st,
		onKeepalive: onKeepalive,
		onWarning:   onWarning,
		open:        true,
	}

	if th.Protocol == headers.TransportProtocolTCP {
		c.transport = transportTCP

		channels := &[2]int{0, 1}
		if th.InterleavedIDs != nil {
			channels = th.InterleavedIDs
		}

		c.interleaver = &tcpInterleaver{
			sc:          sc,
			rtpChannel:  channels[0],
			rtcpChannel: channels[1],
			onWarning:   onWarning,
		}
		c.interleaver.initialize()
	} else {
		c.transport = transportUDP

		if th.ClientPorts == nil {
			return nil, liberrors.ErrTransportHeaderNoClientPorts{}
		}

		c.remoteIP = sc.remoteIP()
		c.remoteRTPPort = th.ClientPorts[0]
		c.remoteRTCPPort = th.ClientPorts[1]
	}

	return c, nil
}

// setup binds transport resources. For UDP subscribers a server-side
// port pair is reserved from the pool and both sockets are bound, RTP
// first, cycling to a fresh pair when a port turns out to be taken.
// Any datagram received on the RTCP socket counts as a keepalive.
func (c *client) setup() error {
	if c.transport == transportTCP {
		return nil
	}

	// ports found taken are held until the loop ends, so that the pool
	// does not hand the same port out again.
	var taken []int
	defer func() {
		for _, p := range taken {
			c.mount.mounts.ReleaseRTPPort(p)
		}
	}()

	for {
		port, err := c.mount.mounts.NextRTPPort()
		if err != nil {
			return err
		}

		rtpListener := &udpListener{
			port:     port,
			onPacket: func(_ []byte) {},
		}
		err = rtpListener.initialize()
		if err != nil {
			var inUse liberrors.ErrPortInUse
			if errors.As(err, &inUse) {
				taken = append(taken, port)
				continue
			}
			c.mount.mounts.ReleaseRTPPort(port)
			return err
		}

		rtcpListener := &udpListener{
			port: port + 1,
			onPacket: func(_ []byte) {
				c.onKeepalive()
			},
		}
		err = rtcpListener.initialize()
		if err != nil {
			rtpListener.close()

			var inUse liberrors.ErrPortInUse
			if errors.As(err, &inUse) {
				taken = append(taken, port)
				continue
			}
			c.mount.mounts.ReleaseRTPPort(port)
			return err
		}

		c.serverRTPPort = port
		c.rtpListener = rtpListener
		c.rtcpListener = rtcpListener
		return nil
	}
}

// play attaches the session to its stream, starting the fan-out.
func (c *client) play() {
	c.mutex.Lock()
	open := c.open
	c.mutex.Unlock()

	if open {
		c.stream.addClient(c)
	}
}

// transportHeader builds the Transport header of the SETUP response.
func (c *client) transportHeader() base.HeaderValue {
	delivery := headers.TransportDeliveryUnicast

	if c.transport == transportTCP {
		return headers.Transport{
			Protocol:       headers.TransportProtocolTCP,
			Delivery:       &delivery,
			InterleavedIDs: &[2]int{c.interleaver.rtpChannel, c.interleaver.rtcpChannel},
		}.Marshal()
	}

	return headers.Transport{
		Protocol:    headers.TransportProtocolUDP,
		Delivery:    &delivery,
		ClientPorts: &[2]int{c.remoteRTPPort, c.remoteRTCPPort},
		ServerPorts: &[2]int{c.serverRTPPort, c.serverRTPPort + 1},
	}.Marshal()
}

func (c *client) sendRTP(payload []byte) {
	c.mutex.Lock()
	open := c.open
	c.mutex.Unlock()
	if !open {
		return
	}

	if c.transport == transportTCP {
		c.interleaver.sendRTP(payload)
		return
	}

	err := c.rtpListener.write(payload, &net.UDPAddr{IP: c.remoteIP, Port: c.remoteRTPPort})
	if err != nil {
		c.onWarning(err)
	}
}

func (c *client) sendRTCP(payload []byte) {
	c.mutex.Lock()
	open := c.open
	c.mutex.Unlock()
	if !open {
		return
	}

	if c.transport == transportTCP {
		c.interleaver.sendRTCP(payload)
		return
	}

	err := c.rtcpListener.write(payload, &net.UDPAddr{IP: c.remoteIP, Port: c.remoteRTCPPort})
	if err != nil {
		c.onWarning(err)
	}
}

// close detaches the session from its stream and releases its transport
// resources and pool ports. It can be called multiple times and from
// any routine.
func (c *client) close() {
	c.mutex.Lock()
	if !c.open {
		c.mutex.Unlock()
		return
	}
	c.open = false
	c.mutex.Unlock()

	c.mount.clientLeave(c)

	if c.transport == transportTCP {
		c.interleaver.close()
		return
	}

	if c.rtpListener != nil {
		c.rtpListener.close()
		c.rtpListener = nil
	}
	if c.rtcpListener != nil {
		c.rtcpListener.close()
		c.rtcpListener = nil
	}
	if c.serverRTPPort != 0 {
		c.mount.mounts.ReleaseRTPPort(c.serverRTPPort)
		c.serverRTPPort = 0
	}
}
