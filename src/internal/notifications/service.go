package notifications

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/gomail.v2"

	"github.com/casapps/labops/src/internal/database/models"
)

// Service dispatches job outcome notifications to the recipients
// configured on each job. Delivery failures are logged and never affect
// job status.
type Service struct {
	cfg    *viper.Viper
	logger *slog.Logger
	dialer *gomail.Dialer
}

// NewService creates a new notification service
func NewService(cfg *viper.Viper, logger *slog.Logger) *Service {
	var dialer *gomail.Dialer

	if cfg.GetBool("email.enabled") {
		host := cfg.GetString("email.smtp.host")
		dialer = gomail.NewDialer(
			host,
			cfg.GetInt("email.smtp.port"),
			cfg.GetString("email.smtp.username"),
			cfg.GetString("email.smtp.password"),
		)
		if cfg.GetBool("email.smtp.use_tls") {
			dialer.TLSConfig = &tls.Config{
				ServerName:         host,
				InsecureSkipVerify: cfg.GetBool("email.smtp.skip_verify"),
			}
		}
	}

	return &Service{cfg: cfg, logger: logger, dialer: dialer}
}

// NotifySuccess sends the success notification for a completed job
func (s *Service) NotifySuccess(ctx context.Context, job *models.BackupJob) {
	if !job.Notifications.OnSuccess || len(job.Notifications.Recipients) == 0 {
		return
	}
	subject := fmt.Sprintf("Backup completed: %s", job.Name)
	s.send(job.Notifications.Recipients, subject, s.successBody(job))
}

// NotifyFailure sends the failure notification for a failed job
func (s *Service) NotifyFailure(ctx context.Context, job *models.BackupJob, execErr *models.ExecutionError) {
	if !job.Notifications.OnFailure || len(job.Notifications.Recipients) == 0 {
		return
	}
	subject := fmt.Sprintf("Backup failed: %s", job.Name)
	s.send(job.Notifications.Recipients, subject, s.failureBody(job, execErr))
}

func (s *Service) successBody(job *models.BackupJob) string {
	duration := time.Duration(job.Execution.DurationMS) * time.Millisecond
	body := fmt.Sprintf("Backup job %q finished successfully in %s.\n", job.Name, duration)
	if job.Result != nil {
		if job.Result.File != nil {
			body += fmt.Sprintf("Artifact: %s (%s)\n", job.Result.File.Path, models.HumanReadableSize(job.Result.File.Size))
		}
		body += fmt.Sprintf("Backed up %d files, %d collections, %s.\n",
			job.Result.Stats.Files, job.Result.Stats.Collections,
			models.HumanReadableSize(job.Result.Stats.Bytes))
	}
	return body
}

func (s *Service) failureBody(job *models.BackupJob, execErr *models.ExecutionError) string {
	body := fmt.Sprintf("Backup job %q failed.\n", job.Name)
	if execErr != nil {
		body += fmt.Sprintf("Error %s: %s\n", execErr.Code, execErr.Message)
		if execErr.Transient {
			body += "The error looks transient; re-running the job may succeed.\n"
		}
	}
	return body
}

func (s *Service) send(recipients []string, subject, body string) {
	if s.dialer == nil {
		s.logger.Debug("notification skipped, email disabled", "subject", subject)
		return
	}

	from := s.cfg.GetString("email.from")
	if from == "" {
		from = "labops@localhost"
	}

	message := gomail.NewMessage()
	message.SetHeader("From", from)
	message.SetHeader("To", recipients...)
	message.SetHeader("Subject", subject)
	message.SetHeader("X-Mailer", "LabOps")
	message.SetBody("text/plain", body)

	if err := s.dialer.DialAndSend(message); err != nil {
		s.logger.Warn("notification delivery failed", "subject", subject, "error", err)
	}
}
