// Package compute is the worker-instance collaborator: launching, discovering
// and terminating tagged instances, plus optional per-instance health alarms.
package compute

import (
	"context"
	"time"
)

// Instance is a worker instance in a pending or running state.
type Instance struct {
	ID         string
	State      string
	LaunchedAt time.Time
}

// LaunchSpec describes a batch of identical worker instances.
type LaunchSpec struct {
	Count              int
	ImageID            string
	InstanceType       string
	IAMInstanceProfile string
	KeyName            string
	// UserData is the plain bootstrap script; implementations encode it as required.
	UserData string
	TagKey   string
	TagValue string
}

// Provisioner launches and discovers worker instances.
type Provisioner interface {
	LaunchInstances(ctx context.Context, spec LaunchSpec) ([]string, error)
	// ListInstances returns pending and running instances carrying the tag.
	ListInstances(ctx context.Context, tagKey, tagValue string) ([]Instance, error)
	TerminateInstances(ctx context.Context, ids []string) error
}

// Alarms registers host-level health alarms for worker instances.
type Alarms interface {
	RegisterHealthAlarm(ctx context.Context, instanceID string) error
	RemoveHealthAlarms(ctx context.Context, instanceIDs []string) error
}

// NoopAlarms is used when alarms are disabled.
type NoopAlarms struct{}

func (NoopAlarms) RegisterHealthAlarm(context.Context, string) error { return nil }
func (NoopAlarms) RemoveHealthAlarms(context.Context, []string) error { return nil }
