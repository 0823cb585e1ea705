package rtspserver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/terion-name/rtsp-streaming-server/pkg/liberrors"
)

// PortPool hands out even-numbered RTP ports from a contiguous range.
// Each port p implies the pair {p, p+1}, used for RTP and RTCP
// respectively; callers release the pair by releasing p.
// A single pool is shared by publishers and subscribers.
type PortPool struct {
	mutex     sync.Mutex
	available []int
}

// NewPortPool allocates a PortPool with the RTP ports
// start, start+2, ..., start+2*(count-1).
func NewPortPool(start int, count int) (*PortPool, error) {
	if (start % 2) != 0 {
		return nil, fmt.Errorf("start port %d is not even", start)
	}
	if count <= 0 {
		return nil, fmt.Errorf("invalid port count %d", count)
	}
	if (start + 2*count) > 65536 {
		return nil, fmt.Errorf("port range exceeds 65535")
	}

	available := make([]int, count)
	for i := 0; i < count; i++ {
		available[i] = start + 2*i
	}

	return &PortPool{available: available}, nil
}

// Next reserves and returns the smallest available RTP port.
func (pp *PortPool) Next() (int, error) {
	pp.mutex.Lock()
	defer pp.mutex.Unlock()

	if len(pp.available) == 0 {
		return 0, liberrors.ErrPortPoolExhausted{}
	}

	port := pp.available[0]
	pp.available = pp.available[1:]
	return port, nil
}

// Release returns a RTP port to the pool.
func (pp *PortPool) Release(port int) {
	pp.mutex.Lock()
	defer pp.mutex.Unlock()

	i := sort.SearchInts(pp.available, port)
	if i < len(pp.available) && pp.available[i] == port {
		return
	}

	pp.available = append(pp.available, 0)
	copy(pp.available[i+1:], pp.available[i:])
	pp.available[i] = port
}

// Available returns the number of RTP ports currently in the pool.
func (pp *PortPool) Available() int {
	pp.mutex.Lock()
	defer pp.mutex.Unlock()
	return len(pp.available)
}
