package rtspserver

import (
	"sync"
)

// stream is one media substream of a Mount, addressed by the integer id
// parsed from a trailing "/streamid=N" URI segment. It owns the ingress
// UDP listeners of its port pair and the set of playing subscribers.
type stream struct {
	id    int
	mount *Mount

	// allocated pool pair. zero when the publisher is TCP-interleaved,
	// in which case no listeners are bound.
	rtpPort  int
	rtcpPort int

	rtpListener  *udpListener
	rtcpListener *udpListener

	mutex   sync.RWMutex
	clients map[string]*client
}

func (st *stream) initialize() {
	st.clients = make(map[string]*client)
}

// bindListeners brings up the RTP and RTCP listeners on the stream's
// current port pair, RTP first.
func (st *stream) bindListeners() error {
	rtpListener := &udpListener{
		port:     st.rtpPort,
		onPacket: st.forwardRTP,
	}
	err := rtpListener.initialize()
	if err != nil {
		return err
	}

	rtcpListener := &udpListener{
		port:     st.rtcpPort,
		onPacket: st.forwardRTCP,
	}
	err = rtcpListener.initialize()
	if err != nil {
		rtpListener.close()
		return err
	}

	st.rtpListener = rtpListener
	st.rtcpListener = rtcpListener
	return nil
}

func (st *stream) closeListeners() {
	if st.rtpListener != nil {
		st.rtpListener.close()
		st.rtpListener = nil
	}
	if st.rtcpListener != nil {
		st.rtcpListener.close()
		st.rtcpListener = nil
	}
}

func (st *stream) addClient(c *client) {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	st.clients[c.id] = c
}

func (st *stream) removeClient(c *client) bool {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	_, ok := st.clients[c.id]
	delete(st.clients, c.id)
	return ok
}

func (st *stream) clientCount() int {
	st.mutex.RLock()
	defer st.mutex.RUnlock()
	return len(st.clients)
}

func (st *stream) snapshotClients() []*client {
	st.mutex.RLock()
	defer st.mutex.RUnlock()

	ret := make([]*client, 0, len(st.clients))
	for _, c := range st.clients {
		ret = append(ret, c)
	}
	return ret
}

// forwardRTP offers payload to every playing subscriber.
// Sends are best-effort: a failure towards one subscriber does not
// affect the others or subsequent packets.
func (st *stream) forwardRTP(payload []byte) {
	for _, c := range st.snapshotClients() {
		c.sendRTP(payload)
	}
}

func (st *stream) forwardRTCP(payload []byte) {
	for _, c := range st.snapshotClients() {
		c.sendRTCP(payload)
	}
}
