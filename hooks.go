package rtspserver

import (
	"github.com/bluenviron/gortsplib/v4/pkg/base"
)

// PublishHooks are the optional callables invoked by a PublishServer.
// A nil callable falls back to the documented default.
type PublishHooks struct {
	// called to validate Basic credentials. nil means allow everyone.
	Authentication func(user string, pass string, req *base.Request) bool

	// called before a mount is created by ANNOUNCE.
	// returning false rejects the publisher with 403. nil means allow.
	CheckMount func(req *base.Request) bool

	// called when the last subscriber leaves a mount.
	// the mount is not destroyed; this is advisory.
	MountNowEmpty func(mount *Mount)

	// called on best-effort failures (fan-out send errors, discarded
	// frames). nil falls back to the standard logger.
	OnWarning func(err error)
}

// ClientHooks are the optional callables invoked by a ClientServer.
// A nil callable falls back to the documented default.
type ClientHooks struct {
	// called to validate Basic credentials. nil means allow everyone.
	Authentication func(user string, pass string, req *base.Request) bool

	// called before DESCRIBE resolves a mount. When the returned flag
	// is false, status is used as the response code when non-zero,
	// otherwise 403. nil means allow.
	CheckMount func(req *base.Request) (bool, base.StatusCode)

	// called when a subscriber session wrapper is closed.
	ClientClose func(mount *Mount)

	// called on best-effort failures. nil falls back to the standard logger.
	OnWarning func(err error)
}
