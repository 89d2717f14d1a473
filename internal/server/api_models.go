package server

import "github.com/raysh454/deepscan/internal/analyzer"

// AnalyzeURLRequest asks the server to fetch and analyze a remote image or
// the main image of an HTML page.
type AnalyzeURLRequest struct {
	URL string `json:"url" validate:"required,url" example:"https://example.com/portrait.jpg"`
}

// AnalyzeBatchRequest analyzes several URLs with bounded concurrency.
type AnalyzeBatchRequest struct {
	URLs        []string `json:"urls" validate:"required,min=1,max=50,dive,url" example:"https://example.com/a.jpg"`
	Concurrency int      `json:"concurrency" validate:"gte=0,lte=16" example:"4"`
}

// HealthResponse reports liveness and the analyzer line-up.
type HealthResponse struct {
	Status    string   `json:"status" example:"ok"`
	Analyzers []string `json:"analyzers" example:"geometry,edge,texture"`
}

func newHealthResponse() HealthResponse {
	return HealthResponse{Status: "ok", Analyzers: append([]string(nil), analyzer.Order...)}
}

// ErrorResponse is a uniform error payload returned by the API. Pipeline
// failures carry an error_code and may carry extra detail fields.
type ErrorResponse struct {
	Error     string `json:"error" example:"not found"`
	ErrorCode string `json:"error_code,omitempty" example:"NO_FACE_DETECTED"`
}
