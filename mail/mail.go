// Copyright (C) 2025 anomaly-sentinel contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package mail delivers assembled anomaly reports over SMTP. Recipients
// subscribe per risk level; every message carries a plain-text body, an
// HTML alternative and the full report as a JSON attachment.
package mail

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"anomaly-sentinel/anomaly"
	"anomaly-sentinel/config"
	"anomaly-sentinel/internal/reporter"
)

// senderName is the display name on outgoing mail.
const senderName = "Anomaly Sentinel"

// Sender delivers composed messages. gomail's Dialer satisfies it; tests
// substitute a recorder.
type Sender interface {
	DialAndSend(msg ...*gomail.Message) error
}

// Service implements the dispatcher's Mailer interface on top of SMTP.
// Its configuration is fixed at construction; email settings take effect
// on restart.
type Service struct {
	cfg    config.EmailConfig
	sender Sender
	logger *zap.Logger
	now    func() time.Time
}

// New builds a mail service from the email section of the configuration.
func New(cfg config.EmailConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	s.sender = s.dialer()
	return s
}

func (s *Service) dialer() Sender {
	d := gomail.NewDialer(s.cfg.SMTPServer, s.cfg.SMTPPort, s.cfg.SenderEmail, s.cfg.SenderPassword)
	if !s.cfg.UseTLS {
		// Relays without a verifiable certificate still advertise STARTTLS.
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return d
}

// Configured reports whether SMTP credentials are present.
func (s *Service) Configured() bool {
	return s.cfg.SenderEmail != "" && s.cfg.SenderPassword != ""
}

// Summary describes the mail settings with the password redacted.
type Summary struct {
	Configured bool   `json:"configured"`
	Server     string `json:"server"`
	Port       int    `json:"port"`
	Sender     string `json:"sender"`
	UseTLS     bool   `json:"use_tls"`
	Recipients int    `json:"recipients"`
}

// Summary returns the redacted settings for status surfaces and logs.
func (s *Service) Summary() Summary {
	return Summary{
		Configured: s.Configured(),
		Server:     s.cfg.SMTPServer,
		Port:       s.cfg.SMTPPort,
		Sender:     s.cfg.SenderEmail,
		UseTLS:     s.cfg.UseTLS,
		Recipients: len(s.cfg.Recipients),
	}
}

// Send mails one report to every recipient subscribed to its risk level.
func (s *Service) Send(ctx context.Context, report *reporter.Report) error {
	recipients := s.recipientsFor(report.RiskLevel)
	if len(recipients) == 0 {
		s.logger.Warn("No recipients subscribed for risk level",
			zap.String("report_id", report.ID),
			zap.String("risk_level", string(report.RiskLevel)))
		return fmt.Errorf("no recipients for risk level %s", report.RiskLevel)
	}
	return s.send(ctx, report, recipients, s.subject(report))
}

// SendTest mails a synthetic medium-risk report to a single address,
// ignoring the per-risk subscriptions.
func (s *Service) SendTest(ctx context.Context, recipient string) error {
	report := s.testReport()
	return s.send(ctx, report, []config.Recipient{{Email: recipient}},
		"🧪 Test mail - Anomaly Sentinel")
}

func (s *Service) send(ctx context.Context, report *reporter.Report, recipients []config.Recipient, subject string) error {
	if !s.Configured() {
		s.logger.Error("SMTP credentials not configured",
			zap.String("report_id", report.ID))
		return fmt.Errorf("smtp credentials not configured")
	}

	msg, err := s.compose(report, recipients, subject)
	if err != nil {
		return err
	}

	start := s.now()
	if err := s.deliver(ctx, msg); err != nil {
		s.logger.Error("Report mail delivery failed",
			zap.String("report_id", report.ID),
			zap.Int("recipients", len(recipients)),
			zap.Error(err))
		return fmt.Errorf("send report %s: %w", report.ID, err)
	}

	s.logger.Info("Report mail delivered",
		zap.String("report_id", report.ID),
		zap.String("risk_level", string(report.RiskLevel)),
		zap.Int("recipients", len(recipients)),
		zap.Duration("elapsed", s.now().Sub(start)))
	return nil
}

func (s *Service) compose(report *reporter.Report, recipients []config.Recipient, subject string) (*gomail.Message, error) {
	html, err := htmlBody(report)
	if err != nil {
		return nil, fmt.Errorf("render report %s: %w", report.ID, err)
	}

	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report %s: %w", report.ID, err)
	}

	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", s.cfg.SenderEmail, senderName)
	to := make([]string, len(recipients))
	for i, r := range recipients {
		if r.Name != "" {
			to[i] = msg.FormatAddress(r.Email, r.Name)
		} else {
			to[i] = r.Email
		}
	}
	msg.SetHeader("To", to...)
	msg.SetHeader("Subject", subject)

	msg.SetBody("text/plain", textBody(report))
	msg.AddAlternative("text/html", html)
	msg.Attach(fmt.Sprintf("anomaly_report_%s.json", report.ID),
		gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(payload)
			return err
		}))
	return msg, nil
}

// deliver runs the blocking SMTP exchange under the caller's context.
func (s *Service) deliver(ctx context.Context, msg *gomail.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- s.sender.DialAndSend(msg) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) subject(report *reporter.Report) string {
	prefix := s.cfg.SubjectPrefix
	if prefix == "" {
		prefix = "[Anomaly Sentinel]"
	}
	return fmt.Sprintf("%s 🚨 %s anomaly report %s", prefix, report.RiskLevel, report.ID)
}

// recipientsFor filters the configured recipients by their per-risk
// switches. Unknown risk levels notify nobody.
func (s *Service) recipientsFor(level reporter.RiskLevel) []config.Recipient {
	var out []config.Recipient
	for _, r := range s.cfg.Recipients {
		if shouldNotify(r, level) {
			out = append(out, r)
		}
	}
	return out
}

func shouldNotify(r config.Recipient, level reporter.RiskLevel) bool {
	switch level {
	case reporter.RiskCritical:
		return r.NotifyCritical
	case reporter.RiskHigh:
		return r.NotifyHigh
	case reporter.RiskMedium:
		return r.NotifyMedium
	case reporter.RiskLow:
		return r.NotifyLow
	default:
		return false
	}
}

// testReport builds the synthetic payload mailed by SendTest.
func (s *Service) testReport() *reporter.Report {
	now := s.now()
	return &reporter.Report{
		ID:              "TEST-" + now.Format("20060102150405"),
		GeneratedAt:     now,
		PeriodStart:     now,
		PeriodEnd:       now,
		Reason:          "Test mail requested",
		RiskLevel:       reporter.RiskMedium,
		TriggerType:     reporter.TriggerWarningEntry,
		CurrentState:    reporter.StateWarning,
		PreviousState:   reporter.StateNormal,
		BucketScore:     12.5,
		AffectedSensors: []string{"test_sensor_1", "test_sensor_2"},
		Narrative:       "This is a test mail. Your SMTP settings are working.",
		Anomalies: []anomaly.Result{{
			IsAnomaly:    true,
			SensorType:   "test_sensor",
			CurrentValue: 100.0,
			Mean:         50.0,
			StdDev:       14.3,
			ZScore:       3.5,
			Threshold:    2.0,
			Timestamp:    now,
			Severity:     anomaly.SeverityHigh,
			SystemStatus: anomaly.StatusActive,
			WindowSize:   100,
			Message:      "Synthetic test anomaly",
		}},
	}
}
