package pipeline

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/haasonsaas/warden/pkg/models"
)

// Task templates bound what each class of principal may reach. The owner
// gets the full tool surface minus impersonation; third parties get a
// narrow read-mostly slice and a lower ceiling.
var (
	ownerAllowedTools = []string{
		"email.*", "calendar.*", "github.*", "memory.*", "admin.*", "web.*",
	}
	ownerDeniedTools = []string{"email.send_as_owner"}

	peerAllowedTools = []string{
		"email.list", "email.read", "email.send", "calendar.freebusy", "memory.search",
	}
	peerDeniedTools = []string{"email.send_as_owner", "admin.*"}
)

const (
	ownerMaxToolCalls = 8
	peerMaxToolCalls  = 4
)

// newTask admits an event as a task under the matching template.
func (p *Pipeline) newTask(event *models.InboundEvent) *models.Task {
	principal := event.Source.Principal
	task := &models.Task{
		TaskID:       uuid.NewString(),
		Principal:    principal,
		TriggerEvent: event,
		TraceID:      uuid.NewString(),
		State:        models.TaskState{Phase: models.PhaseExtracting},
	}
	if principal.IsOwner() || principal.Kind == models.PrincipalCron {
		task.TemplateID = "owner_general"
		task.DataCeiling = models.LabelRegulated
		task.AllowedTools = ownerAllowedTools
		task.DeniedTools = ownerDeniedTools
		task.MaxToolCalls = ownerMaxToolCalls
		task.OutputSinks = []string{p.cfg.Kernel.AdminSink}
	} else {
		task.TemplateID = "third_party_reply"
		task.DataCeiling = models.LabelInternal
		task.AllowedTools = peerAllowedTools
		task.DeniedTools = peerDeniedTools
		task.MaxToolCalls = peerMaxToolCalls
		task.OutputSinks = []string{replySink(event)}
	}
	return task
}

// replySink names the sink a third-party conversation answers to.
func replySink(event *models.InboundEvent) string {
	return fmt.Sprintf("sink:%s:reply_to_sender", event.Source.Adapter)
}
