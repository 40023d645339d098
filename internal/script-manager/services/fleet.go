package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"gorm.io/gorm"

	"vm-script-service/internal/models"
	smDB "vm-script-service/internal/script-manager/db"
	"vm-script-service/internal/script-manager/events"
	"vm-script-service/pkg/scriptdoc"
)

var linuxMarkers = []string{
	"linux", "ubuntu", "debian", "fedora", "centos", "rhel", "red hat", "redhat",
	"rocky", "alma", "suse", "arch", "alpine", "amazon",
}

// NormalizeMachineOS maps a concrete OS string reported for a machine to its
// generic tag. Unrecognised strings are an error.
func NormalizeMachineOS(osName string) (models.OSTag, error) {
	s := strings.ToLower(strings.TrimSpace(osName))
	if strings.Contains(s, "windows") {
		return models.OSWindows, nil
	}
	for _, marker := range linuxMarkers {
		if strings.Contains(s, marker) {
			return models.OSLinux, nil
		}
	}
	return "", fmt.Errorf("unrecognized operating system %q", osName)
}

// ScriptOSTags maps a script's declared OS list onto generic tags.
func ScriptOSTags(declared []string) map[models.OSTag]bool {
	tags := make(map[models.OSTag]bool, 2)
	for _, name := range scriptdoc.NormalizeOS(declared) {
		if name == scriptdoc.OSWindows {
			tags[models.OSWindows] = true
		} else {
			tags[models.OSLinux] = true
		}
	}
	return tags
}

// checkCompatibility is all-or-nothing: one unsupported or unrecognised target
// fails the whole set.
func checkCompatibility(def *smDB.ScriptDefinition, machines []smDB.Machine) error {
	supported := ScriptOSTags(def.OS)
	var unknown, incompatible []string
	for _, m := range machines {
		tag, err := NormalizeMachineOS(m.OS)
		if err != nil {
			unknown = append(unknown, fmt.Sprintf("%s (%s)", m.Name, m.OS))
			continue
		}
		if !supported[tag] {
			incompatible = append(incompatible, fmt.Sprintf("%s (%s)", m.Name, tag))
		}
	}
	if len(unknown) > 0 {
		return &CompatibilityError{Machines: unknown, Reason: "unrecognized operating system on target machines"}
	}
	if len(incompatible) > 0 {
		return &CompatibilityError{
			Machines: incompatible,
			Reason:   fmt.Sprintf("script %q supports only %s", def.Name, strings.Join(def.OS, ", ")),
		}
	}
	return nil
}

// notifier fans lifecycle events out to every user allowed to see them.
type notifier struct {
	DB     *gorm.DB
	Events events.Publisher
}

// targetUsers returns the triggering user, the machine owner and every
// administrator, de-duplicated in that order.
func (n *notifier) targetUsers(ctx context.Context, triggeredBy *string, machine *smDB.Machine) []string {
	seen := make(map[string]bool)
	var users []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		users = append(users, id)
	}
	if triggeredBy != nil {
		add(*triggeredBy)
	}
	if machine != nil && machine.UserID != nil {
		add(*machine.UserID)
	}
	admins, err := smDB.AdminUserIDs(ctx, n.DB)
	if err != nil {
		hlog.CtxErrorf(ctx, "Notifier: failed to load administrators: %v", err)
	}
	for _, id := range admins {
		add(id)
	}
	return users
}

func (n *notifier) send(ctx context.Context, users []string, action string, payload events.ExecutionPayload) {
	if n.Events == nil {
		return
	}
	for _, u := range users {
		n.Events.SendToUser(ctx, u, events.ChannelScriptExecution, action, payload)
	}
}

func executionPayload(exec *smDB.ScriptExecution, scriptName string) events.ExecutionPayload {
	return events.ExecutionPayload{
		ExecutionID: exec.ID,
		ScriptID:    exec.ScriptID,
		ScriptName:  scriptName,
		MachineID:   exec.MachineID,
		Status:      string(exec.Status),
		ExitCode:    exec.ExitCode,
		Error:       exec.ErrorMessage,
		StartedAt:   exec.StartedAt,
		CompletedAt: exec.CompletedAt,
	}
}
