package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/containrrr/shoutrrr"
	"github.com/containrrr/shoutrrr/pkg/router"

	"flapjack/internal/config"
	"flapjack/internal/domain"
	"flapjack/internal/outcome"
)

// ShoutrrrHandler delivers service-URL media (slack, webhooks, pagerduty,
// SMS vendors, SNS) through shoutrrr service routers.
// Params: medium type and configured service URL.
// Returns: generic delivery handler implementation.
type ShoutrrrHandler struct {
	mediumType domain.MediumType
	serviceURL string
	sender     *router.ServiceRouter
	initErr    error
}

// NewShoutrrrHandler creates one shoutrrr-backed handler for a medium.
// The gateway URL may carry a {address} placeholder substituted with each
// medium's address at delivery time; without it the URL is used verbatim.
// Params: medium type and gateway config.
// Returns: handler; an invalid URL fails every delivery permanently.
func NewShoutrrrHandler(mediumType domain.MediumType, gateway config.GatewayConfig) *ShoutrrrHandler {
	handler := &ShoutrrrHandler{
		mediumType: mediumType,
		serviceURL: strings.TrimSpace(gateway.URL),
	}
	if handler.serviceURL == "" {
		handler.initErr = fmt.Errorf("gateway %s has no service url", mediumType)
		return handler
	}
	if !strings.Contains(handler.serviceURL, "{address}") {
		sender, err := shoutrrr.CreateSender(handler.serviceURL)
		if err != nil {
			handler.initErr = fmt.Errorf("create %s sender: %w", mediumType, err)
			return handler
		}
		handler.sender = sender
	}
	return handler
}

// Type returns the handled medium type.
func (h *ShoutrrrHandler) Type() domain.MediumType { return h.mediumType }

// Deliver sends one rendered alert through the service router.
// Params: context, alert, and rendered message.
// Returns: nil, transient transport error, or permanent config error.
func (h *ShoutrrrHandler) Deliver(_ context.Context, alert domain.Alert, message string) error {
	if h.initErr != nil {
		return outcome.Fatal(h.initErr)
	}

	sender := h.sender
	if sender == nil {
		serviceURL := strings.ReplaceAll(h.serviceURL, "{address}", alert.Address)
		perAddress, err := shoutrrr.CreateSender(serviceURL)
		if err != nil {
			return outcome.Fatal(fmt.Errorf("create %s sender for %q: %w", h.mediumType, alert.Address, err))
		}
		sender = perAddress
	}

	errs := sender.Send(message, nil)
	var failures []string
	for _, err := range errs {
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("%s send: %w", h.mediumType, errors.New(strings.Join(failures, "; ")))
	}
	return nil
}
