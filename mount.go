package rtspserver

import (
	"errors"
	"sort"
	"sync"

	"github.com/terion-name/rtsp-streaming-server/pkg/liberrors"
)

// Mount is a resource published at a URI path. It owns its streams,
// which in turn own their listeners and ports; subscribers hold
// non-owning references to it.
type Mount struct {
	id   string
	path string
	sdp  []byte

	mounts *Mounts
	hooks  PublishHooks

	mutex       sync.Mutex
	rangeHeader string
	streams     map[int]*stream
	closed      bool
}

func (m *Mount) initialize() {
	m.id = newSessionID()
	m.streams = make(map[int]*stream)
}

// ID returns the session identifier assigned to the mount.
func (m *Mount) ID() string {
	return m.id
}

// Path returns the normalized path the mount is published on.
func (m *Mount) Path() string {
	return m.path
}

// SDP returns the session description supplied by the publisher,
// verbatim.
func (m *Mount) SDP() []byte {
	return m.sdp
}

func (m *Mount) setRange(v string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.rangeHeader = v
}

func (m *Mount) rangeValue() string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.rangeHeader
}

func (m *Mount) stream(id int) *stream {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.streams[id]
}

func (m *Mount) sortedStreams() []*stream {
	ret := make([]*stream, 0, len(m.streams))
	for _, st := range m.streams {
		ret = append(ret, st)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].id < ret[j].id })
	return ret
}

// createStream registers the substream addressed by uri.
// Unless the publisher is TCP-interleaved, a port pair is reserved and
// both ingress listeners are brought up eagerly, cycling to a fresh
// pair when a port turns out to be taken.
func (m *Mount) createStream(uri string, tcpOnly bool) (*stream, error) {
	_, id := mountPath(uri)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return nil, liberrors.ErrMountNotFound{Path: m.path}
	}

	if _, ok := m.streams[id]; ok {
		return nil, liberrors.ErrStreamAlreadyExists{ID: id}
	}

	st := &stream{
		id:    id,
		mount: m,
	}
	st.initialize()

	if !tcpOnly {
		// ports found taken are held until the loop ends, so that the
		// pool does not hand the same port out again.
		var taken []int
		defer func() {
			for _, p := range taken {
				m.mounts.ReleaseRTPPort(p)
			}
		}()

		for {
			port, err := m.mounts.NextRTPPort()
			if err != nil {
				return nil, err
			}

			st.rtpPort = port
			st.rtcpPort = port + 1

			err = st.bindListeners()
			if err != nil {
				var inUse liberrors.ErrPortInUse
				if errors.As(err, &inUse) {
					taken = append(taken, port)
					continue
				}
				m.mounts.ReleaseRTPPort(port)
				return nil, err
			}
			break
		}
	}

	m.streams[id] = st
	return st, nil
}

// setup re-binds the listeners of every UDP stream. Since publishers
// and subscribers draw from the same pool, a just-released port can be
// taken before we bind it again; in that case the pair is swapped for a
// fresh one and the whole pass restarts.
func (m *Mount) setup() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return liberrors.ErrMountNotFound{Path: m.path}
	}

outer:
	for {
		for _, st := range m.sortedStreams() {
			if st.rtpPort == 0 {
				continue
			}

			st.closeListeners()

			err := st.bindListeners()
			if err != nil {
				var inUse liberrors.ErrPortInUse
				if !errors.As(err, &inUse) {
					return err
				}

				port, perr := m.mounts.NextRTPPort()
				m.mounts.ReleaseRTPPort(st.rtpPort)
				if perr != nil {
					st.rtpPort = 0
					st.rtcpPort = 0
					return perr
				}

				st.rtpPort = port
				st.rtcpPort = port + 1
				continue outer
			}
		}
		return nil
	}
}

// close tears the mount down: every listener is closed, every
// subscriber session is closed, streams are cleared. It returns the RTP
// ports owned by the mount's streams, so the caller can hand them back
// to the pool. Calling close more than once is a no-op.
func (m *Mount) close() []int {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return nil
	}
	m.closed = true
	streams := m.sortedStreams()
	m.streams = make(map[int]*stream)
	m.mutex.Unlock()

	var released []int
	for _, st := range streams {
		st.closeListeners()
		if st.rtpPort != 0 {
			released = append(released, st.rtpPort)
		}

		for _, c := range st.snapshotClients() {
			c.close()
		}
	}
	return released
}

// clientLeave removes a subscriber session from its stream and, when it
// was the mount's last one, fires the MountNowEmpty hook. The mount
// itself stays up.
func (m *Mount) clientLeave(c *client) {
	if !c.stream.removeClient(c) {
		return
	}

	m.mutex.Lock()
	total := 0
	for _, st := range m.streams {
		total += st.clientCount()
	}
	closed := m.closed
	m.mutex.Unlock()

	if total == 0 && !closed && m.hooks.MountNowEmpty != nil {
		m.hooks.MountNowEmpty(m)
	}
}
