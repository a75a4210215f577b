package fhirclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/careops/worklist/pkg/fhirmodels"
)

// statusError turns a non-2xx response into a short message, preferring
// the OperationOutcome diagnostics when the upstream sent one.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var outcome fhirmodels.OperationOutcome
	if err := json.Unmarshal(body, &outcome); err == nil {
		if msg := outcome.Diagnostics(); msg != "" {
			return errors.New(msg)
		}
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.New("upstream rejected the request: not authorized")
	case http.StatusNotFound:
		return errors.New("resource not found on upstream")
	case http.StatusConflict, http.StatusPreconditionFailed:
		return errors.New("resource was changed by someone else, reload and retry")
	default:
		return fmt.Errorf("upstream request failed (HTTP %d)", resp.StatusCode)
	}
}

// reduceError maps transport-level failures to messages safe to surface.
func reduceError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return errors.New("request cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return errors.New("upstream did not respond in time")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.New("upstream did not respond in time")
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.New("upstream is unreachable")
	}

	return errors.New("request to upstream failed")
}
