package compute

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/fx"

	"github.com/emergent-company/ocrfleet/internal/config"
	"github.com/emergent-company/ocrfleet/pkg/logger"
)

var Module = fx.Module("compute",
	fx.Provide(fx.Annotate(NewEC2Provisioner, fx.As(new(Provisioner)))),
	fx.Provide(NewAlarms),
)

// EC2Provisioner implements Provisioner on Amazon EC2.
type EC2Provisioner struct {
	client *ec2.Client
	log    *slog.Logger
}

// NewEC2Provisioner creates an EC2-backed provisioner
func NewEC2Provisioner(awsCfg aws.Config, log *slog.Logger) *EC2Provisioner {
	return &EC2Provisioner{
		client: ec2.NewFromConfig(awsCfg),
		log:    log.With(logger.Scope("compute.ec2")),
	}
}

// NewAlarms returns CloudWatch alarms when enabled, otherwise a no-op.
func NewAlarms(awsCfg aws.Config, cfg *config.Config, log *slog.Logger) Alarms {
	if !cfg.Fleet.AlarmsEnabled {
		return NoopAlarms{}
	}
	return NewCloudWatchAlarms(awsCfg, cfg.Fleet.AlarmPrefix, log)
}

func (p *EC2Provisioner) LaunchInstances(ctx context.Context, spec LaunchSpec) ([]string, error) {
	if spec.Count <= 0 {
		return nil, nil
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(spec.ImageID),
		InstanceType: types.InstanceType(spec.InstanceType),
		MinCount:     aws.Int32(int32(spec.Count)),
		MaxCount:     aws.Int32(int32(spec.Count)),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(spec.UserData))),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags: []types.Tag{{
				Key:   aws.String(spec.TagKey),
				Value: aws.String(spec.TagValue),
			}},
		}},
	}
	if spec.IAMInstanceProfile != "" {
		if strings.HasPrefix(spec.IAMInstanceProfile, "arn:") {
			input.IamInstanceProfile = &types.IamInstanceProfileSpecification{Arn: aws.String(spec.IAMInstanceProfile)}
		} else {
			input.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: aws.String(spec.IAMInstanceProfile)}
		}
	}
	if spec.KeyName != "" {
		input.KeyName = aws.String(spec.KeyName)
	}

	out, err := p.client.RunInstances(ctx, input)
	if err != nil {
		p.log.Error("failed to launch instances", slog.Int("count", spec.Count), logger.Error(err))
		return nil, fmt.Errorf("run instances: %w", err)
	}

	ids := make([]string, 0, len(out.Instances))
	for _, inst := range out.Instances {
		ids = append(ids, aws.ToString(inst.InstanceId))
	}
	p.log.Info("instances launched", slog.Int("count", len(ids)), slog.Any("ids", ids))
	return ids, nil
}

func (p *EC2Provisioner) ListInstances(ctx context.Context, tagKey, tagValue string) ([]Instance, error) {
	pages := ec2.NewDescribeInstancesPaginator(p.client, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + tagKey), Values: []string{tagValue}},
			{Name: aws.String("instance-state-name"), Values: []string{
				string(types.InstanceStateNamePending),
				string(types.InstanceStateNameRunning),
			}},
		},
	})

	var out []Instance
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe instances: %w", err)
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				i := Instance{ID: aws.ToString(inst.InstanceId)}
				if inst.State != nil {
					i.State = string(inst.State.Name)
				}
				if inst.LaunchTime != nil {
					i.LaunchedAt = *inst.LaunchTime
				}
				out = append(out, i)
			}
		}
	}
	return out, nil
}

func (p *EC2Provisioner) TerminateInstances(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids}); err != nil {
		p.log.Error("failed to terminate instances", slog.Any("ids", ids), logger.Error(err))
		return fmt.Errorf("terminate instances: %w", err)
	}
	p.log.Info("instances terminated", slog.Int("count", len(ids)))
	return nil
}
