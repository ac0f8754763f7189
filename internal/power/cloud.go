package power

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/kbisect/kbisect/internal/domain"
)

// CloudController drives a host that is itself an EC2 instance — used
// when the test host is a cloud VM rather than physical lab hardware.
// Host.PowerConfig["instance_id"] names the instance; the AWS region and
// credentials come from the process environment, per the SDK's usual
// default credential chain.
type CloudController struct {
	client *ec2.Client
}

// NewCloudController loads the default AWS config and builds an EC2
// client from it.
func NewCloudController(ctx context.Context) (*CloudController, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &CloudController{client: ec2.NewFromConfig(cfg)}, nil
}

func (c *CloudController) Status(ctx context.Context, host domain.Host) (Status, error) {
	instanceID := host.PowerConfig["instance_id"]
	out, err := c.client.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
		InstanceIds:         []string{instanceID},
		IncludeAllInstances: aws.Bool(true),
	})
	if err != nil {
		return StatusUnknown, fmt.Errorf("describe instance status: %w", err)
	}
	if len(out.InstanceStatuses) == 0 {
		return StatusUnknown, nil
	}
	switch out.InstanceStatuses[0].InstanceState.Name {
	case types.InstanceStateNameRunning:
		return StatusOn, nil
	case types.InstanceStateNameStopped, types.InstanceStateNameTerminated:
		return StatusOff, nil
	default:
		return StatusUnknown, nil
	}
}

func (c *CloudController) Cycle(ctx context.Context, host domain.Host) error {
	instanceID := host.PowerConfig["instance_id"]
	_, err := c.client.RebootInstances(ctx, &ec2.RebootInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return fmt.Errorf("reboot instance %s: %w", instanceID, err)
	}
	return nil
}

func (c *CloudController) On(ctx context.Context, host domain.Host) error {
	instanceID := host.PowerConfig["instance_id"]
	_, err := c.client.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{instanceID},
	})
	return err
}

func (c *CloudController) Off(ctx context.Context, host domain.Host) error {
	instanceID := host.PowerConfig["instance_id"]
	_, err := c.client.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{instanceID},
	})
	return err
}

func (c *CloudController) Reset(ctx context.Context, host domain.Host) error {
	return c.Cycle(ctx, host)
}
