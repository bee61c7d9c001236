package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"flapjack/internal/config"
	"flapjack/internal/domain"
	"flapjack/internal/outcome"
)

// SESHandler delivers email media via AWS SES.
// Params: SES client, sender address, and region.
// Returns: email handler implementation.
type SESHandler struct {
	client *sesv2.Client
	from   string
	logger *slog.Logger
}

// NewSESHandler creates the SES email handler.
// Params: gateway config (from/region) and logger.
// Returns: handler; a missing AWS config leaves the client nil and every
// delivery fails permanently until fixed.
func NewSESHandler(gateway config.GatewayConfig, logger *slog.Logger) *SESHandler {
	region := gateway.Region
	if region == "" {
		region = "us-east-1"
	}
	handler := &SESHandler{from: gateway.From, logger: logger}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		logger.Warn("aws config load failed, email handler unavailable", "error", err.Error())
		return handler
	}
	handler.client = sesv2.NewFromConfig(cfg)
	return handler
}

// Type returns the handled medium type.
func (h *SESHandler) Type() domain.MediumType { return domain.MediumEmail }

// Deliver sends one alert as email to the medium address.
// Params: context, alert, and rendered message body.
// Returns: nil, transient transport error, or permanent config error.
func (h *SESHandler) Deliver(ctx context.Context, alert domain.Alert, message string) error {
	if h.client == nil {
		return outcome.Fatal(errors.New("ses client not initialized"))
	}
	if alert.Address == "" {
		return outcome.Fatal(errors.New("email medium without address"))
	}

	subject := Headline(alert)
	input := &sesv2.SendEmailInput{
		FromEmailAddress: &h.from,
		Destination: &types.Destination{
			ToAddresses: []string{alert.Address},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: &subject},
				Body: &types.Body{
					Text: &types.Content{Data: &message},
				},
			},
		},
	}
	if _, err := h.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("ses send: %w", err)
	}
	return nil
}
