package alerting

import (
	"fmt"
	"strings"

	"github.com/xChokes/mercado-sub000/internal/orchestrator"
)

// Color constants for event severity.
const (
	ColorSuccess  = "#36a64f"
	ColorInfo     = "#2196f3"
	ColorWarning  = "#ff9800"
	ColorCritical = "#e53935"
)

// SeverityColor maps a severity string to a sidebar color.
func SeverityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "info":
		return ColorInfo
	case "warning":
		return ColorWarning
	case "critical", "error":
		return ColorCritical
	default:
		return ColorInfo
	}
}

// anomalyTitle returns a headline for an anomaly kind.
func anomalyTitle(kind orchestrator.AnomalyKind) string {
	switch kind {
	case orchestrator.AnomalyConcentration:
		return "Market traffic concentrated"
	case orchestrator.AnomalyAsymmetry:
		return "Information asymmetry detected"
	case orchestrator.AnomalyPriceManipulation:
		return "Price manipulation suspected"
	case orchestrator.AnomalyLowEfficiency:
		return "Market efficiency low"
	default:
		return "Market anomaly: " + string(kind)
	}
}

// FormatAnomaly formats an anomaly for chat.
func FormatAnomaly(a orchestrator.Anomaly) Event {
	evt := Event{
		Title:    anomalyTitle(a.Kind),
		Body:     a.Detail,
		Severity: string(a.Severity),
		Color:    SeverityColor(string(a.Severity)),
		Fields: []Field{
			{Name: "Kind", Value: string(a.Kind), Short: true},
			{Name: "Cycle", Value: fmt.Sprintf("%d", a.Cycle), Short: true},
		},
	}
	if a.Value != 0 || a.Threshold != 0 {
		evt.Fields = append(evt.Fields, Field{
			Name:  "Value",
			Value: fmt.Sprintf("%.3f (threshold %.3f)", a.Value, a.Threshold),
			Short: true,
		})
	}
	if len(a.Goods) > 0 {
		evt.Fields = append(evt.Fields, Field{Name: "Goods", Value: strings.Join(a.Goods, ", "), Short: true})
	}
	return evt
}

// AnomalyMessage wraps FormatAnomaly in a ready-to-send message.
func AnomalyMessage(a orchestrator.Anomaly) Message {
	evt := FormatAnomaly(a)
	return Message{
		Text:   fmt.Sprintf("[%s] %s", strings.ToUpper(evt.Severity), evt.Title),
		Events: []Event{evt},
	}
}
