// Package testutil provides shared test helpers for the HTTP surfaces and
// synthetic sensor data.
package testutil

import (
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// debugRemoteAddr is a loopback peer; tsweb only serves /debug/ to those.
const debugRemoteAddr = "127.0.0.1:12345"

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewRequest creates a test request with an optional string body.
func NewRequest(method, target, body string) *http.Request {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	return httptest.NewRequest(method, target, r)
}

// DebugRequest creates a GET request that tsweb's debug access check accepts.
func DebugRequest(target string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = debugRemoteAddr
	return req
}

// Serve runs req through h and returns the recorded response.
func Serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// GaussianProfile returns n samples of a Gaussian line of the given centre,
// width (sigma, in samples) and amplitude over a flat baseline.
func GaussianProfile(n int, centre, width, amplitude, baseline float64) []float64 {
	p := make([]float64, n)
	for i := range p {
		d := (float64(i) - centre) / width
		p[i] = baseline + amplitude*math.Exp(-d*d/2)
	}
	return p
}
