// Copyright (C) 2025 anomaly-sentinel contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"anomaly-sentinel/client"
	"anomaly-sentinel/events"
)

// maxMonitorEvents bounds the scrollback kept by the monitor.
const maxMonitorEvents = 200

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("57")).Padding(0, 1)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	normalBadge = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("40")).Padding(0, 1)
	warnBadge   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("220")).Padding(0, 1)
	critBadge   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("196")).Padding(0, 1)

	sevInfoStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	sevWarnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	sevCritStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

type streamConnectedMsg struct{ stream *client.Stream }

type streamEventMsg struct{ event *events.Event }

type streamErrMsg struct{ err error }

type statusMsg struct {
	health *client.Health
	status map[string]interface{}
}

type refreshTickMsg time.Time

// monitorModel is the bubbletea model behind `sentinelctl monitor`.
type monitorModel struct {
	client  *client.Client
	refresh time.Duration

	stream *client.Stream
	events []*events.Event

	health *client.Health
	status map[string]interface{}

	readings  int
	anomalies int
	reports   int

	width  int
	height int
	paused bool
	err    error
}

func newMonitorModel(c *client.Client, refresh time.Duration) *monitorModel {
	return &monitorModel{client: c, refresh: refresh, width: 80, height: 24}
}

// runMonitor drives the TUI until the operator quits.
func runMonitor(c *client.Client, refresh time.Duration) error {
	model := newMonitorModel(c, refresh)
	program := tea.NewProgram(model, tea.WithAltScreen())
	_, err := program.Run()
	if model.stream != nil {
		_ = model.stream.Close()
	}
	return err
}

func (m *monitorModel) Init() tea.Cmd {
	return tea.Batch(m.connectStream(), m.fetchStatus(), m.scheduleRefresh())
}

func (m *monitorModel) connectStream() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		stream, err := m.client.DialStream(ctx)
		if err != nil {
			return streamErrMsg{err}
		}
		return streamConnectedMsg{stream}
	}
}

func (m *monitorModel) waitForEvent(stream *client.Stream) tea.Cmd {
	return func() tea.Msg {
		ev, err := stream.Next()
		if err != nil {
			return streamErrMsg{err}
		}
		return streamEventMsg{ev}
	}
}

func (m *monitorModel) fetchStatus() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h, err := m.client.Health(ctx)
		if err != nil {
			return streamErrMsg{err}
		}
		status, err := m.client.AutoReportStatus(ctx)
		if err != nil {
			return streamErrMsg{err}
		}
		return statusMsg{health: h, status: status}
	}
}

func (m *monitorModel) scheduleRefresh() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return refreshTickMsg(t) })
}

func (m *monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "p":
			m.paused = !m.paused
		case "c":
			m.events = nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case streamConnectedMsg:
		m.stream = msg.stream
		m.err = nil
		return m, m.waitForEvent(msg.stream)

	case streamEventMsg:
		m.record(msg.event)
		return m, m.waitForEvent(m.stream)

	case streamErrMsg:
		m.err = msg.err

	case statusMsg:
		m.health = msg.health
		m.status = msg.status
		m.err = nil

	case refreshTickMsg:
		return m, tea.Batch(m.fetchStatus(), m.scheduleRefresh())
	}
	return m, nil
}

// record counts the event and, unless paused, adds it to the scrollback.
func (m *monitorModel) record(ev *events.Event) {
	switch ev.Type {
	case events.EventReadingAnalyzed:
		m.readings++
	case events.EventAnomalyDetected:
		m.anomalies++
	case events.EventReportSent:
		m.reports++
	}
	if m.paused {
		return
	}
	// Analyzed readings arrive once per ingest and would drown the
	// interesting events, so the scrollback keeps everything else.
	if ev.Type == events.EventReadingAnalyzed {
		return
	}
	m.events = append(m.events, ev)
	if len(m.events) > maxMonitorEvents {
		m.events = m.events[len(m.events)-maxMonitorEvents:]
	}
}

func (m *monitorModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Anomaly Sentinel — live monitor"))
	b.WriteString("\n\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(m.counterLine())
	b.WriteString("\n\n")

	visible := m.height - 9
	if visible < 3 {
		visible = 3
	}
	start := len(m.events) - visible
	if start < 0 {
		start = 0
	}
	if len(m.events) == 0 {
		b.WriteString(dimStyle.Render("  waiting for events..."))
		b.WriteString("\n")
	}
	for _, ev := range m.events[start:] {
		b.WriteString(m.renderEvent(ev))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(sevCritStyle.Render(fmt.Sprintf("  error: %v", m.err)))
		b.WriteString("\n")
	}
	footer := "q quit · p pause · c clear"
	if m.paused {
		footer = "PAUSED · " + footer
	}
	b.WriteString(dimStyle.Render("  " + footer))
	return b.String()
}

func (m *monitorModel) statusLine() string {
	service := dimStyle.Render("connecting...")
	if m.health != nil {
		service = fmt.Sprintf("%s · %d sensor(s)", m.health.Status, m.health.ActiveSensors)
	}

	badge := dimStyle.Render("UNKNOWN")
	if state, ok := m.status["state"].(string); ok {
		switch state {
		case "CRITICAL":
			badge = critBadge.Render(state)
		case "WARNING":
			badge = warnBadge.Render(state)
		default:
			badge = normalBadge.Render(state)
		}
	}

	score := ""
	if v, ok := m.status["bucket_score"].(float64); ok {
		score = fmt.Sprintf("  %s %.1f", labelStyle.Render("risk"), v)
	}
	return fmt.Sprintf("  %s  %s%s", badge, service, score)
}

func (m *monitorModel) counterLine() string {
	return fmt.Sprintf("  %s %d   %s %d   %s %d",
		labelStyle.Render("readings"), m.readings,
		labelStyle.Render("anomalies"), m.anomalies,
		labelStyle.Render("reports"), m.reports)
}

func (m *monitorModel) renderEvent(ev *events.Event) string {
	style := sevInfoStyle
	switch ev.Severity {
	case events.SeverityWarning:
		style = sevWarnStyle
	case events.SeverityError, events.SeverityCritical:
		style = sevCritStyle
	}

	stamp := dimStyle.Render(ev.Timestamp.Local().Format("15:04:05"))
	kind := style.Render(fmt.Sprintf("%-18s", ev.Type))

	message := ev.Message
	maxMsg := m.width - 32
	if maxMsg > 0 && len(message) > maxMsg {
		message = message[:maxMsg-1] + "…"
	}
	return fmt.Sprintf("  %s %s %s", stamp, kind, message)
}
