package netmon

import (
	"net/http"
)

type roundTripper struct {
	sg   *Service
	next http.RoundTripper
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt.sg.Capture(req, rt.next.RoundTrip)
}
