// Copyright (C) 2025 anomaly-sentinel contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package mail

import (
	"fmt"
	"html/template"
	"strings"
	"time"

	"anomaly-sentinel/anomaly"
	"anomaly-sentinel/internal/reporter"
)

// maxAnomalyRows caps the anomalies rendered into a message body. The JSON
// attachment always carries the full list.
const maxAnomalyRows = 20

var riskColors = map[reporter.RiskLevel]template.CSS{
	reporter.RiskCritical: "#dc2626",
	reporter.RiskHigh:     "#ea580c",
	reporter.RiskMedium:   "#ca8a04",
	reporter.RiskLow:      "#16a34a",
}

func riskColor(level reporter.RiskLevel) template.CSS {
	if c, ok := riskColors[level]; ok {
		return c
	}
	return riskColors[reporter.RiskMedium]
}

func severityColor(s anomaly.Severity) template.CSS {
	switch s {
	case anomaly.SeverityHigh:
		return "#dc2626"
	case anomaly.SeverityMedium:
		return "#ca8a04"
	default:
		return "#16a34a"
	}
}

type anomalyRow struct {
	Time     string
	Sensor   string
	Value    string
	ZScore   string
	Severity string
	Color    template.CSS
}

type reportView struct {
	ID              string
	RiskLevel       string
	RiskColor       template.CSS
	Reason          string
	CurrentState    string
	PreviousState   string
	BucketScore     string
	TotalAnomalies  int
	AffectedSensors []string
	Narrative       string
	AnalysisDate    string
	GeneratedAt     string
	PeriodStart     string
	PeriodEnd       string
	Rows            []anomalyRow
	Truncated       bool
}

func clipAnomalies(all []anomaly.Result) []anomaly.Result {
	if len(all) > maxAnomalyRows {
		return all[:maxAnomalyRows]
	}
	return all
}

// htmlBody renders the HTML alternative of a report mail.
func htmlBody(report *reporter.Report) (string, error) {
	rows := make([]anomalyRow, 0, maxAnomalyRows)
	for _, a := range clipAnomalies(report.Anomalies) {
		rows = append(rows, anomalyRow{
			Time:     a.Timestamp.Format("2006-01-02 15:04:05"),
			Sensor:   a.SensorType,
			Value:    fmt.Sprintf("%.2f", a.CurrentValue),
			ZScore:   fmt.Sprintf("%.2f", a.ZScore),
			Severity: string(a.Severity),
			Color:    severityColor(a.Severity),
		})
	}

	view := reportView{
		ID:              report.ID,
		RiskLevel:       string(report.RiskLevel),
		RiskColor:       riskColor(report.RiskLevel),
		Reason:          report.Reason,
		CurrentState:    string(report.CurrentState),
		PreviousState:   string(report.PreviousState),
		BucketScore:     fmt.Sprintf("%.1f", report.BucketScore),
		TotalAnomalies:  len(report.Anomalies),
		AffectedSensors: report.AffectedSensors,
		Narrative:       report.Narrative,
		AnalysisDate:    report.GeneratedAt.Format("2006-01-02"),
		GeneratedAt:     report.GeneratedAt.Format(time.RFC3339),
		PeriodStart:     report.PeriodStart.Format("2006-01-02"),
		PeriodEnd:       report.PeriodEnd.Format("2006-01-02"),
		Rows:            rows,
		Truncated:       len(report.Anomalies) > maxAnomalyRows,
	}

	var b strings.Builder
	if err := reportTemplate.Execute(&b, view); err != nil {
		return "", err
	}
	return b.String(), nil
}

// textBody renders the plain-text part of a report mail.
func textBody(report *reporter.Report) string {
	rule := strings.Repeat("=", 80)
	sub := strings.Repeat("-", 80)

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n🏭 ANOMALY DETECTION REPORT\n%s\n\n", rule, rule)
	fmt.Fprintf(&b, "Report ID: %s\n", report.ID)
	fmt.Fprintf(&b, "Risk level: %s\n", report.RiskLevel)
	fmt.Fprintf(&b, "Generated: %s\n", report.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Period: %s - %s\n\n",
		report.PeriodStart.Format("2006-01-02"), report.PeriodEnd.Format("2006-01-02"))

	fmt.Fprintf(&b, "%s\n📋 SUMMARY\n%s\n", sub, sub)
	fmt.Fprintf(&b, "%s.\n", report.Reason)
	fmt.Fprintf(&b, "System state %s (previously %s), risk score %.1f.\n\n",
		report.CurrentState, report.PreviousState, report.BucketScore)
	fmt.Fprintf(&b, "Total anomalies: %d\n", len(report.Anomalies))
	fmt.Fprintf(&b, "Affected sensors: %s\n\n", strings.Join(report.AffectedSensors, ", "))

	fmt.Fprintf(&b, "%s\n🤖 ANALYSIS\n%s\n", sub, sub)
	fmt.Fprintf(&b, "%s\n\n", report.Narrative)

	fmt.Fprintf(&b, "%s\n📊 ANOMALY DETAILS\n%s\n", sub, sub)
	for _, a := range clipAnomalies(report.Anomalies) {
		fmt.Fprintf(&b, "\nTime: %s\nSensor: %s\nValue: %.2f\nZ-score: %.2f\nSeverity: %s\n---\n",
			a.Timestamp.Format("2006-01-02 15:04:05"),
			a.SensorType, a.CurrentValue, a.ZScore, a.Severity)
	}
	if len(report.Anomalies) > maxAnomalyRows {
		fmt.Fprintf(&b, "\n* First %d of %d anomalies shown; the JSON attachment has all of them.\n",
			maxAnomalyRows, len(report.Anomalies))
	}

	fmt.Fprintf(&b, "\n%s\nGenerated automatically by Anomaly Sentinel.\n%s\n", rule, rule)
	return b.String()
}

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<title>Anomaly Report {{.ID}}</title>
</head>
<body style="font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif; margin: 0; padding: 0; background-color: #f3f4f6;">
<div style="max-width: 800px; margin: 0 auto; padding: 20px;">

<div style="background-color: #1e293b; color: white; padding: 30px; border-radius: 12px 12px 0 0;">
<h1 style="margin: 0; font-size: 24px;">🏭 Anomaly Detection Report</h1>
<p style="margin: 10px 0 0 0; opacity: 0.9;">Report ID: {{.ID}}</p>
<div style="display: inline-block; margin-top: 15px; background-color: {{.RiskColor}}; color: white; padding: 10px 20px; border-radius: 8px; font-weight: bold; font-size: 18px;">{{.RiskLevel}} RISK</div>
</div>

<div style="background-color: white; padding: 25px; border-left: 4px solid {{.RiskColor}};">
<h2 style="color: #1e293b; margin-top: 0; font-size: 18px;">📋 Summary</h2>
<p style="color: #475569; line-height: 1.6;">{{.Reason}}.</p>
<p style="color: #475569; line-height: 1.6;">System state {{.CurrentState}} (previously {{.PreviousState}}), risk score {{.BucketScore}}.</p>
<div style="display: flex; gap: 20px; margin-top: 20px; flex-wrap: wrap;">
<div style="background-color: #f8fafc; padding: 15px 20px; border-radius: 8px; flex: 1; min-width: 150px;">
<div style="color: #64748b; font-size: 12px; text-transform: uppercase;">Total anomalies</div>
<div style="color: #1e293b; font-size: 28px; font-weight: bold;">{{.TotalAnomalies}}</div>
</div>
<div style="background-color: #f8fafc; padding: 15px 20px; border-radius: 8px; flex: 1; min-width: 150px;">
<div style="color: #64748b; font-size: 12px; text-transform: uppercase;">Affected sensors</div>
<div style="color: #1e293b; font-size: 28px; font-weight: bold;">{{len .AffectedSensors}}</div>
</div>
<div style="background-color: #f8fafc; padding: 15px 20px; border-radius: 8px; flex: 1; min-width: 150px;">
<div style="color: #64748b; font-size: 12px; text-transform: uppercase;">Analysis date</div>
<div style="color: #1e293b; font-size: 16px; font-weight: bold;">{{.AnalysisDate}}</div>
</div>
</div>
</div>

<div style="background-color: white; padding: 25px; margin-top: 2px;">
<h2 style="color: #1e293b; margin-top: 0; font-size: 18px;">🤖 Analysis</h2>
<div style="color: #475569; line-height: 1.8; white-space: pre-wrap; background-color: #f8fafc; padding: 20px; border-radius: 8px; font-size: 14px;">{{.Narrative}}</div>
</div>

<div style="background-color: white; padding: 25px; margin-top: 2px;">
<h2 style="color: #1e293b; margin-top: 0; font-size: 18px;">📊 Anomaly Details</h2>
<table style="width: 100%; border-collapse: collapse; font-size: 14px;">
<thead>
<tr style="background-color: #f8fafc;">
<th style="padding: 12px 10px; text-align: left; color: #64748b;">Time</th>
<th style="padding: 12px 10px; text-align: left; color: #64748b;">Sensor</th>
<th style="padding: 12px 10px; text-align: left; color: #64748b;">Value</th>
<th style="padding: 12px 10px; text-align: left; color: #64748b;">Z-score</th>
<th style="padding: 12px 10px; text-align: left; color: #64748b;">Severity</th>
</tr>
</thead>
<tbody>
{{range .Rows}}<tr>
<td style="padding: 10px; border-bottom: 1px solid #e5e7eb;">{{.Time}}</td>
<td style="padding: 10px; border-bottom: 1px solid #e5e7eb;">{{.Sensor}}</td>
<td style="padding: 10px; border-bottom: 1px solid #e5e7eb;">{{.Value}}</td>
<td style="padding: 10px; border-bottom: 1px solid #e5e7eb;">{{.ZScore}}</td>
<td style="padding: 10px; border-bottom: 1px solid #e5e7eb;"><span style="background-color: {{.Color}}; color: white; padding: 2px 8px; border-radius: 4px; font-size: 12px;">{{.Severity}}</span></td>
</tr>
{{else}}<tr><td colspan="5" style="padding: 20px; text-align: center; color: #64748b;">No anomaly data</td></tr>
{{end}}</tbody>
</table>
{{if .Truncated}}<p style="color: #64748b; font-size: 12px; margin-top: 10px;">* First {{len .Rows}} of {{.TotalAnomalies}} anomalies shown.</p>{{end}}
</div>

<div style="background-color: #1e293b; color: white; padding: 20px; border-radius: 0 0 12px 12px; text-align: center;">
<p style="margin: 0; font-size: 12px; opacity: 0.8;">Generated automatically by Anomaly Sentinel.</p>
<p style="margin: 10px 0 0 0; font-size: 12px; opacity: 0.6;">Report date: {{.GeneratedAt}} | Period: {{.PeriodStart}} - {{.PeriodEnd}}</p>
</div>

</div>
</body>
</html>
`))
