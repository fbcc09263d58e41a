package oracle

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ahrav/go-blocking/internal/domain"
)

func testImage() domain.Image {
	return domain.Image{Data: []byte("\x89PNG test image"), MediaType: domain.MediaTypePNG}
}

// testRequest builds a request with the reference and n hero-first views.
func testRequest(views ...domain.ViewID) domain.OracleRequest {
	if len(views) == 0 {
		views = []domain.ViewID{domain.ViewHero}
	}
	req := domain.OracleRequest{
		Reference: testImage(),
		Prompt:    "Score the scene.",
		System:    "You are a layout critic.",
		Mode:      domain.ModeAbsolute,
	}
	for i, v := range views {
		req.Views = append(req.Views, domain.ViewImage{ID: v, Image: testImage(), HighDetail: i == 0})
	}
	return req
}

// countingServer wraps handler and counts requests.
func countingServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}
