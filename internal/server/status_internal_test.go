package server

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/raysh454/deepscan/internal/app"
	"github.com/raysh454/deepscan/internal/pipeline"
	"github.com/raysh454/deepscan/internal/store"
	"github.com/raysh454/deepscan/internal/webclient"
)

func TestStatusFor(t *testing.T) {
	t.Parallel()

	wrap := func(err error) error { return fmt.Errorf("fetch: %w", err) }
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid image", pipeline.ErrInvalidImage, http.StatusBadRequest},
		{"unsupported url", wrap(webclient.ErrUnsupportedURL), http.StatusBadRequest},
		{"forbidden address", wrap(webclient.ErrForbiddenAddress), http.StatusForbidden},
		{"missing record", store.ErrNotFound, http.StatusNotFound},
		{"missing job", app.ErrJobNotFound, http.StatusNotFound},
		{"no face", pipeline.ErrNoFaceDetected, http.StatusUnprocessableEntity},
		{"upstream status", wrap(webclient.ErrHTTPStatus), http.StatusBadGateway},
		{"fetch disabled", app.ErrFetchDisabled, http.StatusNotImplemented},
		{"canceled", pipeline.ErrCanceled, http.StatusServiceUnavailable},
		{"analyzer failure", pipeline.ErrAnalyzerFailure, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := statusFor(tc.err); got != tc.want {
				t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}
