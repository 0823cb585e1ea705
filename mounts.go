// Package rtspserver implements a RTSP relay server: publishers push
// streams with ANNOUNCE/RECORD onto named mounts, and any number of
// subscribers pull them with DESCRIBE/SETUP/PLAY, over plain UDP or
// TCP-interleaved transport. RTP and RTCP packets are forwarded as
// opaque byte sequences.
package rtspserver

import (
	"sync"

	"github.com/terion-name/rtsp-streaming-server/pkg/liberrors"
)

// Mounts is the process-wide registry of published mounts. It also
// mediates access to the shared port pool, which both publishers and
// subscribers draw from. Construct one and hand it to both server
// halves.
type Mounts struct {
	pool *PortPool

	mutex  sync.RWMutex
	mounts map[string]*Mount
}

// NewMounts allocates a Mounts registry on top of pool.
func NewMounts(pool *PortPool) *Mounts {
	return &Mounts{
		pool:   pool,
		mounts: make(map[string]*Mount),
	}
}

// GetMount returns the mount currently published on the given URI or
// path, or nil.
func (ms *Mounts) GetMount(uriOrPath string) *Mount {
	path, _ := mountPath(uriOrPath)

	ms.mutex.RLock()
	defer ms.mutex.RUnlock()
	return ms.mounts[path]
}

// AddMount creates a mount on the given path and inserts it into the
// registry.
func (ms *Mounts) AddMount(uriOrPath string, sdp []byte, hooks PublishHooks) (*Mount, error) {
	path, _ := mountPath(uriOrPath)

	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	if _, ok := ms.mounts[path]; ok {
		return nil, liberrors.ErrMountAlreadyExists{Path: path}
	}

	m := &Mount{
		path:   path,
		sdp:    sdp,
		mounts: ms,
		hooks:  hooks,
	}
	m.initialize()

	ms.mounts[path] = m
	return m, nil
}

// DeleteMount removes the mount published on the given URI or path from
// the registry. The mount is not closed; the caller orchestrates that.
func (ms *Mounts) DeleteMount(uriOrPath string) bool {
	path, _ := mountPath(uriOrPath)

	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	_, ok := ms.mounts[path]
	delete(ms.mounts, path)
	return ok
}

// deleteMountIfSame removes m from the registry only when it is still
// the mount registered on its path, so a cleanup routine cannot evict a
// newer mount that reused the path.
func (ms *Mounts) deleteMountIfSame(m *Mount) {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	if ms.mounts[m.path] == m {
		delete(ms.mounts, m.path)
	}
}

// NextRTPPort reserves a RTP port from the pool.
func (ms *Mounts) NextRTPPort() (int, error) {
	return ms.pool.Next()
}

// ReleaseRTPPort returns a RTP port to the pool.
func (ms *Mounts) ReleaseRTPPort(port int) {
	ms.pool.Release(port)
}
