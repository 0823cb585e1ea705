package rtspserver

import (
	"testing"

	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/headers"
	"github.com/stretchr/testify/require"
)

func basicAuthHeader(user string, pass string) base.HeaderValue {
	return headers.Authorization{
		Method:    headers.AuthMethodBasic,
		BasicUser: user,
		BasicPass: pass,
	}.Marshal()
}

func TestCheckBasicAuth(t *testing.T) {
	hook := func(user string, pass string, _ *base.Request) bool {
		return user == "myuser" && pass == "mypass"
	}

	// nil hook allows everyone
	require.True(t, checkBasicAuth(nil, &base.Request{Header: base.Header{}}))

	require.True(t, checkBasicAuth(hook, &base.Request{Header: base.Header{
		"Authorization": basicAuthHeader("myuser", "mypass"),
	}}))

	require.False(t, checkBasicAuth(hook, &base.Request{Header: base.Header{
		"Authorization": basicAuthHeader("myuser", "wrong"),
	}}))

	// missing or malformed header
	require.False(t, checkBasicAuth(hook, &base.Request{Header: base.Header{}}))
	require.False(t, checkBasicAuth(hook, &base.Request{Header: base.Header{
		"Authorization": base.HeaderValue{"Bearer something"},
	}}))
}

func TestRawAuthorization(t *testing.T) {
	require.Equal(t, "", rawAuthorization(&base.Request{Header: base.Header{}}))

	h := basicAuthHeader("u", "p")
	require.Equal(t, h[0], rawAuthorization(&base.Request{Header: base.Header{
		"Authorization": h,
	}}))
}
