package ingest

import (
	"io"
	"net/http"

	"flapjack/internal/domain"
	"flapjack/internal/metrics"
)

// HTTPHandler decodes JSON events and forwards them to the sink.
// Params: sink receives validated events, max body limits payload size.
// Returns: HTTP handler for the events endpoint.
type HTTPHandler struct {
	sink        EventSink
	maxBodySize int64
}

// NewHTTPHandler creates the ingest HTTP handler.
// Params: sink and max request body size in bytes (0 means 1 MiB).
// Returns: configured handler.
func NewHTTPHandler(sink EventSink, maxBodySize int64) *HTTPHandler {
	if maxBodySize <= 0 {
		maxBodySize = 1 << 20
	}
	return &HTTPHandler{sink: sink, maxBodySize: maxBodySize}
}

// ServeHTTP handles one incoming event request.
// Params: HTTP request/response writer pair.
// Returns: writes status code according to decode/ingest result.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		metrics.IncEventRejected()
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	event, err := domain.DecodeEvent(body)
	if err != nil {
		metrics.IncEventRejected()
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.sink.Ingest(request.Context(), event); err != nil {
		writer.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writer.WriteHeader(http.StatusAccepted)
}
