package compute

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/emergent-company/ocrfleet/pkg/logger"
)

// CloudWatchAlarms reboots a worker whose system status check keeps failing.
type CloudWatchAlarms struct {
	client *cloudwatch.Client
	region string
	prefix string
	log    *slog.Logger
}

// NewCloudWatchAlarms creates a CloudWatch-backed alarm registrar
func NewCloudWatchAlarms(awsCfg aws.Config, prefix string, log *slog.Logger) *CloudWatchAlarms {
	return &CloudWatchAlarms{
		client: cloudwatch.NewFromConfig(awsCfg),
		region: awsCfg.Region,
		prefix: prefix,
		log:    log.With(logger.Scope("compute.alarms")),
	}
}

// AlarmName is the alarm registered for instanceID.
func (a *CloudWatchAlarms) AlarmName(instanceID string) string {
	return a.prefix + "-status-" + instanceID
}

func (a *CloudWatchAlarms) RegisterHealthAlarm(ctx context.Context, instanceID string) error {
	_, err := a.client.PutMetricAlarm(ctx, &cloudwatch.PutMetricAlarmInput{
		AlarmName:          aws.String(a.AlarmName(instanceID)),
		AlarmDescription:   aws.String("reboot worker on failed system status check"),
		Namespace:          aws.String("AWS/EC2"),
		MetricName:         aws.String("StatusCheckFailed_System"),
		Statistic:          types.StatisticMaximum,
		Period:             aws.Int32(300),
		EvaluationPeriods:  aws.Int32(1),
		Threshold:          aws.Float64(1),
		ComparisonOperator: types.ComparisonOperatorGreaterThanOrEqualToThreshold,
		Dimensions: []types.Dimension{{
			Name:  aws.String("InstanceId"),
			Value: aws.String(instanceID),
		}},
		AlarmActions: []string{fmt.Sprintf("arn:aws:automate:%s:ec2:reboot", a.region)},
	})
	if err != nil {
		return fmt.Errorf("put metric alarm: %w", err)
	}
	a.log.Debug("health alarm registered", slog.String("instance_id", instanceID))
	return nil
}

func (a *CloudWatchAlarms) RemoveHealthAlarms(ctx context.Context, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	names := make([]string, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		names = append(names, a.AlarmName(id))
	}
	// DeleteAlarms accepts at most 100 names per call
	for start := 0; start < len(names); start += 100 {
		end := min(start+100, len(names))
		if _, err := a.client.DeleteAlarms(ctx, &cloudwatch.DeleteAlarmsInput{AlarmNames: names[start:end]}); err != nil {
			return fmt.Errorf("delete alarms: %w", err)
		}
	}
	return nil
}
