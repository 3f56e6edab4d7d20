package command

import (
	"fmt"
	"strings"
	"time"

	"github.com/adamavenir/tally/internal/types"
	"github.com/charmbracelet/lipgloss"
)

var (
	confirmedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))  // green
	pendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // amber
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))   // red
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	headerStyle    = lipgloss.NewStyle().Bold(true)
)

func styleOperationStatus(status types.OperationStatus) string {
	label := string(status)
	switch status {
	case types.OperationStatusConfirmed:
		return confirmedStyle.Render(label)
	case types.OperationStatusFailed:
		return failedStyle.Render(label)
	default:
		return pendingStyle.Render(label)
	}
}

func styleOfferStatus(status types.OfferStatus) string {
	label := string(status)
	switch status {
	case types.OfferStatusConfirmed:
		return confirmedStyle.Render(label)
	case types.OfferStatusCancelled:
		return failedStyle.Render(label)
	default:
		return pendingStyle.Render(label)
	}
}

func styleOutboxStatus(status types.OutboxStatus) string {
	label := string(status)
	switch status {
	case types.OutboxStatusPublished:
		return confirmedStyle.Render(label)
	case types.OutboxStatusFailed:
		return failedStyle.Render(label)
	default:
		return pendingStyle.Render(label)
	}
}

// formatOperation renders one journal line as seen from accountID.
func formatOperation(op types.Operation, accountID string) string {
	amount := op.Amount
	direction := "from " + describeAccount(op.From)
	if op.From == accountID && op.To != accountID {
		amount = -amount
		direction = "to " + op.To
	}
	line := fmt.Sprintf("  %s  %-8s %+6d  %-10s %s", op.ID, op.Type, amount, styleOperationStatus(op.Status), direction)
	if op.Error != nil && *op.Error != "" {
		line += failedStyle.Render(" (" + *op.Error + ")")
	}
	if op.SettlementRef != nil && *op.SettlementRef != "" {
		line += mutedStyle.Render(" ref " + *op.SettlementRef)
	}
	return line
}

func describeAccount(accountID string) string {
	if accountID == "" {
		return "issuer"
	}
	return accountID
}

func formatRelative(ts time.Time) string {
	delta := time.Since(ts)
	future := delta < 0
	if future {
		delta = -delta
	}
	var value string
	switch {
	case delta < time.Minute:
		value = fmt.Sprintf("%ds", int(delta.Seconds()))
	case delta < time.Hour:
		value = fmt.Sprintf("%dm", int(delta.Minutes()))
	case delta < 24*time.Hour:
		value = fmt.Sprintf("%dh", int(delta.Hours()))
	default:
		value = fmt.Sprintf("%dd", int(delta.Hours()/24))
	}
	if future {
		return "in " + value
	}
	return value + " ago"
}

func splitCommaList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			items = append(items, part)
		}
	}
	return items
}
