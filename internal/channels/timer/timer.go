// Package timer emits Cron-principal timer events on configured
// schedules. Timer events carry clean taint and drive recurring jobs
// (briefs, reminders) through the same pipeline as messages.
package timer

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/warden/internal/channels"
	"github.com/haasonsaas/warden/pkg/models"
)

// Job is one schedule.
type Job struct {
	Name string
	Spec string
	Text string
}

// Adapter is the cron event source.
type Adapter struct {
	jobs   []Job
	logger *slog.Logger
}

// New creates a timer source for the given jobs.
func New(jobs []Job, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{jobs: jobs, logger: logger}
}

// Name implements channels.Adapter.
func (a *Adapter) Name() string { return "timer" }

// Run schedules the jobs and blocks until the context ends.
func (a *Adapter) Run(ctx context.Context, events chan<- *models.InboundEvent) error {
	c := cron.New()
	for _, job := range a.jobs {
		job := job
		_, err := c.AddFunc(job.Spec, func() {
			event := &models.InboundEvent{
				EventID:   uuid.NewString(),
				Timestamp: time.Now().UTC(),
				Source: models.EventSource{
					Adapter:   a.Name(),
					Principal: models.Cron(job.Name),
				},
				Kind:    models.EventTimer,
				Payload: models.EventPayload{Text: job.Text},
			}
			select {
			case events <- event:
			case <-ctx.Done():
			default:
				a.logger.Warn("timer event dropped; pipeline saturated", "job", job.Name)
			}
		})
		if err != nil {
			return err
		}
	}
	c.Start()
	<-ctx.Done()
	stop := c.Stop()
	<-stop.Done()
	return ctx.Err()
}

// Execute implements channels.Adapter; timers have no outbound side.
func (a *Adapter) Execute(context.Context, channels.Command) error { return nil }
