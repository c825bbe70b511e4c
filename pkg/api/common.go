package api

// Response is the success envelope shared by every sync endpoint.
type Response[T any] struct {
	Data    T      `json:"data"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is the body of any non-2xx reply.
type ErrorResponse struct {
	Data    any    `json:"data,omitempty"`    // extra payload, e.g. the server version on 409
	Error   string `json:"error"`             // short error description
	Message string `json:"message,omitempty"` // optional details
	Success bool   `json:"success"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
