package notifications

import "github.com/octopus-project/octopus/internal/models"

// NotificationInterface defines the contract for outbound delivery.
type NotificationInterface interface {
	SendAlert(event *models.AlertEvent, rule *models.AlertRule, token *models.Token) error
	SendReport(report *models.Report) error
}
