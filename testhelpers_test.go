package rtspserver

import "github.com/bluenviron/gortsplib/v4/pkg/base"

// mustParseURL parses s into a *base.URL, panicking on error. It exists
// because this version of gortsplib's base package only exposes the
// error-returning ParseURL.
func mustParseURL(s string) *base.URL {
	u, err := base.ParseURL(s)
	if err != nil {
		panic(err)
	}
	return u
}
