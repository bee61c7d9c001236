package notifier

import (
	"fmt"
	"strings"
	"text/template"

	"flapjack/internal/domain"
)

// defaultMessageTemplate renders one alert into a plain-text message.
const defaultMessageTemplate = `{{ headline . }}{{ if .Details }}
{{ .Details }}{{ end }}{{ if .RollupChecks }}
{{ join .RollupChecks ", " }}{{ end }}`

// messageFuncs returns shared alert template helpers.
// Params: none.
// Returns: deterministic helper map used by rendering.
func messageFuncs() template.FuncMap {
	return template.FuncMap{
		"headline": Headline,
		"join":     strings.Join,
		"upper":    strings.ToUpper,
	}
}

// parseMessageTemplate parses one alert template with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error.
func parseMessageTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(messageFuncs()).Option("missingkey=error").Parse(body)
}

// Headline renders the one-line subject for an alert.
// Params: alert payload.
// Returns: subject string by notification type.
func Headline(alert domain.Alert) string {
	switch alert.NotificationType {
	case domain.NotificationProblem:
		return fmt.Sprintf("PROBLEM: %s is %s - %s", alert.CheckName, strings.ToUpper(string(alert.Condition)), alert.Summary)
	case domain.NotificationRecovery:
		return fmt.Sprintf("RECOVERY: %s is %s - %s", alert.CheckName, strings.ToUpper(string(alert.Condition)), alert.Summary)
	case domain.NotificationAcknowledgement:
		return fmt.Sprintf("ACKNOWLEDGEMENT: %s - %s", alert.CheckName, alert.Summary)
	case domain.NotificationScheduledMaintenance:
		return fmt.Sprintf("MAINTENANCE: %s - %s", alert.CheckName, alert.Summary)
	case domain.NotificationRollup:
		return fmt.Sprintf("ROLLUP: %s", alert.Summary)
	case domain.NotificationTest:
		return fmt.Sprintf("TEST: %s", alert.Summary)
	default:
		return fmt.Sprintf("%s: %s", strings.ToUpper(string(alert.NotificationType)), alert.Summary)
	}
}

// renderMessage renders one alert through the compiled template.
// Params: compiled template and alert payload.
// Returns: rendered message or template error.
func renderMessage(compiled *template.Template, alert domain.Alert) (string, error) {
	var builder strings.Builder
	if err := compiled.Execute(&builder, alert); err != nil {
		return "", fmt.Errorf("render alert message: %w", err)
	}
	return builder.String(), nil
}
