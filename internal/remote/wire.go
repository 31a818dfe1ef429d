package remote

import (
	"encoding/json"
	"time"

	"github.com/hyperengineering/heritage/internal/types"
)

// HTTP wire types shared by the client and the development server.

// HeaderSourceID carries the writing device's id on every request.
const HeaderSourceID = "X-Source-ID"

// ChangesResponse is the body of GET /v1/docs/{kind}/changes.
type ChangesResponse struct {
	Documents []types.Document `json:"documents"`
}

// WriteRequest is the body of PUT /v1/docs/{kind}/{id}.
type WriteRequest struct {
	Fields          json.RawMessage `json:"fields"`
	ExpectedVersion *time.Time      `json:"expected_version,omitempty"`
}

// HealthResponse is the body of GET /v1/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
