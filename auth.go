package rtspserver

import (
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/headers"
)

const authRealm = "rtsp"

// checkBasicAuth decodes the Basic credentials of req and validates
// them through hook. A nil hook allows every request.
func checkBasicAuth(hook func(string, string, *base.Request) bool, req *base.Request) bool {
	if hook == nil {
		return true
	}

	var h headers.Authorization
	err := h.Unmarshal(req.Header["Authorization"])
	if err != nil || h.Method != headers.AuthMethodBasic {
		return false
	}

	return hook(h.BasicUser, h.BasicPass, req)
}

func responseUnauthorized() *base.Response {
	return &base.Response{
		StatusCode: base.StatusUnauthorized,
		Header: base.Header{
			"WWW-Authenticate": base.HeaderValue{`Basic realm="` + authRealm + `"`},
		},
	}
}

// rawAuthorization returns the Authorization header value as sent by
// the peer, used to verify that requests within a session keep using
// the credentials the session was bound with.
func rawAuthorization(req *base.Request) string {
	v, ok := req.Header["Authorization"]
	if !ok || len(v) == 0 {
		return ""
	}
	return v[0]
}
