package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"flapjack/internal/domain"
)

type recordingSink struct {
	events []domain.Event
	err    error
}

func (s *recordingSink) Ingest(_ context.Context, event domain.Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func TestHTTPHandlerAcceptsValidEvent(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	handler := NewHTTPHandler(sink, 1<<20)
	body := `{"entity":"web1","type":"service","state":"critical","summary":"down","time":1739000000}`
	request := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", recorder.Code)
	}
	if len(sink.events) != 1 || sink.events[0].CheckName() != "web1" {
		t.Fatalf("unexpected sink events %v", sink.events)
	}
}

func TestHTTPHandlerRejectsMalformedEvent(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	handler := NewHTTPHandler(sink, 1<<20)
	request := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(`{"entity":`))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if len(sink.events) != 0 {
		t.Fatal("malformed payload must not reach the sink")
	}
}

func TestHTTPHandlerMethodAndFailure(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{err: errors.New("store down")}
	handler := NewHTTPHandler(sink, 1<<20)

	request := httptest.NewRequest(http.MethodGet, "/events", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", recorder.Code)
	}

	body := `{"entity":"web1","type":"service","state":"ok","summary":"fine","time":1739000000}`
	request = httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on sink failure, got %d", recorder.Code)
	}
}
