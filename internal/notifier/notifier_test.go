package notifier

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"flapjack/internal/alertqueue"
	"flapjack/internal/config"
	"flapjack/internal/domain"
	"flapjack/internal/outcome"
)

type fakeHandler struct {
	mediumType domain.MediumType
	err        error
	delivered  []domain.Alert
	messages   []string
}

func (h *fakeHandler) Type() domain.MediumType { return h.mediumType }

func (h *fakeHandler) Deliver(_ context.Context, alert domain.Alert, message string) error {
	if h.err != nil {
		return h.err
	}
	h.delivered = append(h.delivered, alert)
	h.messages = append(h.messages, message)
	return nil
}

func testAlert(notificationType domain.NotificationType) domain.Alert {
	return domain.Alert{
		ID:               "a1",
		CheckID:          "c1",
		CheckName:        "web1",
		ContactID:        "k1",
		MediumID:         "m1",
		MediumType:       domain.MediumEmail,
		Address:          "ops@example.com",
		NotificationType: notificationType,
		Condition:        domain.ConditionCritical,
		Summary:          "connection refused",
		EnqueuedAt:       time.Unix(1_739_000_000, 0).UTC(),
	}
}

func newTestDispatcher(t *testing.T, handler Handler) *Dispatcher {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gateways := map[string]config.GatewayConfig{
		"email": {Queue: "email", TimeoutSec: 5},
	}
	dispatcher, err := NewDispatcher(gateways, []Handler{handler}, logger)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return dispatcher
}

func TestDispatchDeliversRenderedMessage(t *testing.T) {
	t.Parallel()

	handler := &fakeHandler{mediumType: domain.MediumEmail}
	dispatcher := newTestDispatcher(t, handler)

	job := alertqueue.Job{ID: "j1", Queue: "email", Alert: testAlert(domain.NotificationProblem)}
	if err := dispatcher.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(handler.delivered) != 1 {
		t.Fatalf("expected one delivery, got %d", len(handler.delivered))
	}
	message := handler.messages[0]
	if !strings.Contains(message, "PROBLEM: web1 is CRITICAL") {
		t.Fatalf("unexpected message %q", message)
	}
}

func TestDispatchUnknownMediumIsPermanent(t *testing.T) {
	t.Parallel()

	handler := &fakeHandler{mediumType: domain.MediumSlack}
	dispatcher := newTestDispatcher(t, handler)

	job := alertqueue.Job{ID: "j1", Queue: "email", Alert: testAlert(domain.NotificationProblem)}
	err := dispatcher.Dispatch(context.Background(), job)
	if outcome.Classify(err) != outcome.Permanent {
		t.Fatalf("missing handler must fail permanently, got %v", err)
	}
}

func TestDispatchPropagatesTransientErrors(t *testing.T) {
	t.Parallel()

	handler := &fakeHandler{mediumType: domain.MediumEmail, err: errors.New("connection reset")}
	dispatcher := newTestDispatcher(t, handler)

	job := alertqueue.Job{ID: "j1", Queue: "email", Alert: testAlert(domain.NotificationProblem)}
	err := dispatcher.Dispatch(context.Background(), job)
	if outcome.Classify(err) != outcome.Transient {
		t.Fatalf("transient handler error must stay transient, got %v", err)
	}
}

func TestDispatchPropagatesPermanentErrors(t *testing.T) {
	t.Parallel()

	handler := &fakeHandler{mediumType: domain.MediumEmail, err: outcome.Fatal(errors.New("bad address"))}
	dispatcher := newTestDispatcher(t, handler)

	job := alertqueue.Job{ID: "j1", Queue: "email", Alert: testAlert(domain.NotificationProblem)}
	err := dispatcher.Dispatch(context.Background(), job)
	if outcome.Classify(err) != outcome.Permanent {
		t.Fatalf("permanent handler error must stay permanent, got %v", err)
	}
}

func TestHeadlineByNotificationType(t *testing.T) {
	t.Parallel()

	cases := map[domain.NotificationType]string{
		domain.NotificationProblem:         "PROBLEM:",
		domain.NotificationRecovery:        "RECOVERY:",
		domain.NotificationAcknowledgement: "ACKNOWLEDGEMENT:",
		domain.NotificationRollup:          "ROLLUP:",
		domain.NotificationTest:            "TEST:",
	}
	for notificationType, prefix := range cases {
		headline := Headline(testAlert(notificationType))
		if !strings.HasPrefix(headline, prefix) {
			t.Fatalf("%s headline %q must start with %q", notificationType, headline, prefix)
		}
	}
}

func TestRenderMessageIncludesRollupChecks(t *testing.T) {
	t.Parallel()

	compiled, err := parseMessageTemplate("alert", defaultMessageTemplate)
	if err != nil {
		t.Fatalf("parse template: %v", err)
	}
	alert := testAlert(domain.NotificationRollup)
	alert.Summary = "2 checks failing"
	alert.RollupChecks = []string{"web1", "web2"}
	message, err := renderMessage(compiled, alert)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(message, "web1, web2") {
		t.Fatalf("rollup message must list checks, got %q", message)
	}
}
