package rtspserver

import (
	"strconv"
	"strings"
)

func stringsReverseIndex(s, substr string) int {
	for i := len(s) - 1 - len(substr); i >= 0; i-- {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

// mountPath normalizes an RTSP URI or a plain path into the mount path,
// peeling a trailing "/streamid=N" segment into the stream id.
// A missing segment means stream 0.
func mountPath(uriOrPath string) (string, int) {
	s := uriOrPath

	// strip scheme and host, keeping the path component only.
	if strings.HasPrefix(s, "rtsp://") {
		s = s[len("rtsp://"):]
		if i := strings.IndexByte(s, '/'); i >= 0 {
			s = s[i:]
		} else {
			s = "/"
		}
	}

	i := stringsReverseIndex(s, "/streamid=")
	if i < 0 {
		return s, 0
	}

	tmp, err := strconv.ParseUint(s[i+len("/streamid="):], 10, 31)
	if err != nil {
		return s, 0
	}

	return s[:i], int(tmp)
}
