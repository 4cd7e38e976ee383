package api

import "github.com/opsintel/ops-agent/model"

func severityFromQuery(s string) model.Severity {
	switch s {
	case string(model.SeverityLow), string(model.SeverityMedium), string(model.SeverityHigh), string(model.SeverityCritical):
		return model.Severity(s)
	default:
		return ""
	}
}

func statusFromQuery(s string) model.IncidentStatus {
	switch s {
	case string(model.IncidentActive), string(model.IncidentAcknowledged), string(model.IncidentResolved):
		return model.IncidentStatus(s)
	default:
		return ""
	}
}
