package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

const sourceHTTP = "http"

// IngestResponse is the JSON body returned by ingest endpoints.
type IngestResponse struct {
	Accepted int         `json:"accepted"`
	Rejected []Rejection `json:"rejected,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// HTTPHandler decodes JSON permits and forwards them to sink.
// Params: sink receives validated permits, max body limits payload size.
// Returns: HTTP handler for single and batch ingest endpoints.
type HTTPHandler struct {
	sink        PermitSink
	maxBodySize int64
	observer    Observer
}

// NewHTTPHandler creates ingest HTTP handler.
// Params: sink, max request body size in bytes, optional observer.
// Returns: configured handler.
func NewHTTPHandler(sink PermitSink, maxBodySize int64, observer Observer) *HTTPHandler {
	return &HTTPHandler{sink: sink, maxBodySize: maxBodySize, observer: observer}
}

// ServeHTTP handles one incoming permit or permit batch.
// Params: HTTP request/response writer pair.
// Returns: 202 with counts, 400/413 on unreadable payload, 503 when sink fails.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		observe(h.observer, sourceHTTP, 0, 1)
		writeIngestResponse(writer, status, IngestResponse{Error: err.Error()})
		return
	}

	scratch := acquireDecodeScratch()
	defer releaseDecodeScratch(scratch)
	result, err := decodePermitPayloadInto(body, scratch)
	if err != nil {
		observe(h.observer, sourceHTTP, 0, 1)
		writeIngestResponse(writer, http.StatusBadRequest, IngestResponse{Error: err.Error()})
		return
	}
	observe(h.observer, sourceHTTP, len(result.permits), len(result.rejected))
	if len(result.permits) == 0 {
		writeIngestResponse(writer, http.StatusBadRequest, IngestResponse{Rejected: result.rejected, Error: "no valid permits"})
		return
	}

	if err := pushPermits(request.Context(), h.sink, result.permits); err != nil {
		writeIngestResponse(writer, http.StatusServiceUnavailable, IngestResponse{Error: err.Error()})
		return
	}
	writeIngestResponse(writer, http.StatusAccepted, IngestResponse{
		Accepted: len(result.permits),
		Rejected: result.rejected,
	})
}

func writeIngestResponse(writer http.ResponseWriter, status int, response IngestResponse) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(response)
}
