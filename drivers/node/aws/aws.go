package aws

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	aws_pkg "github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/aws/aws-sdk-go/service/ssm/ssmiface"
	"github.com/portworx/nvmeof-ha/drivers/node"
	"github.com/portworx/nvmeof-ha/pkg/log"
	"github.com/portworx/nvmeof-ha/pkg/task"
)

const (
	// DriverName is the name of the aws driver
	DriverName = "aws"

	runShellScript        = "AWS-RunShellScript"
	defaultCommandTimeout = 5 * time.Minute
	defaultCommandPoll    = 2 * time.Second
	defaultPowerTimeout   = 10 * time.Minute
	powerPollDelay        = 15 * time.Second
)

// aws runs commands through SSM and controls instance power through EC2.
// Nodes are matched to instances by private IP address.
type aws struct {
	node.Driver
	region string
	svc    ec2iface.EC2API
	svcSsm ssmiface.SSMAPI

	mu        sync.Mutex
	instances map[string]string
}

func (a *aws) String() string {
	return DriverName
}

func (a *aws) Init(nodes []node.Node) error {
	a.region = os.Getenv("AWS_REGION")
	if a.region == "" {
		return fmt.Errorf("Env AWS_REGION not found")
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return err
	}
	config := aws_pkg.NewConfig().WithRegion(a.region).WithCredentials(credentials.NewEnvCredentials())
	a.svc = ec2.New(sess, config)
	a.svcSsm = ssm.New(sess, config)

	if err := a.resolveInstances(context.Background(), nodes); err != nil {
		return err
	}
	for _, n := range nodes {
		if err := a.TestConnection(n, node.ConnectionOpts{
			Timeout:         1 * time.Minute,
			TimeBeforeRetry: 10 * time.Second,
		}); err != nil {
			return err
		}
	}
	return nil
}

// resolveInstances maps every node to the instance owning one of its addresses
func (a *aws) resolveInstances(ctx context.Context, nodes []node.Node) error {
	var addrs []string
	for _, n := range nodes {
		addrs = append(addrs, n.Addresses...)
	}
	resp, err := a.svc.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
		Filters: []*ec2.Filter{{
			Name:   aws_pkg.String("private-ip-address"),
			Values: aws_pkg.StringSlice(addrs),
		}},
	})
	if err != nil {
		return fmt.Errorf("there was an error listing instances in %s. Error: %q", a.region, err.Error())
	}

	byAddr := make(map[string]string)
	for _, resv := range resp.Reservations {
		for _, ins := range resv.Instances {
			byAddr[aws_pkg.StringValue(ins.PrivateIpAddress)] = aws_pkg.StringValue(ins.InstanceId)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.instances = make(map[string]string, len(nodes))
	for _, n := range nodes {
		for _, addr := range n.Addresses {
			if id, ok := byAddr[addr]; ok {
				a.instances[n.ID] = id
				break
			}
		}
		if _, ok := a.instances[n.ID]; !ok {
			return fmt.Errorf("Failed to get instanceID of %s by privateIP", n.Name)
		}
	}
	return nil
}

func (a *aws) instanceID(n node.Node) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.instances[n.ID]
	if !ok {
		return "", fmt.Errorf("node %s is not backed by a known instance", n.Name)
	}
	return id, nil
}

// RunCommand sends cmd as an SSM shell script and waits for its invocation to end
func (a *aws) RunCommand(ctx context.Context, n node.Node, cmd string, options node.ConnectionOpts) (string, error) {
	instanceID, err := a.instanceID(n)
	if err != nil {
		return "", &node.ErrFailedToRunCommand{Addr: n.Name, Cause: err.Error()}
	}
	log.Debugf("[ %s ] running through SSM: %s", n.Name, cmd)

	sent, err := a.svcSsm.SendCommandWithContext(ctx, &ssm.SendCommandInput{
		Comment:      aws_pkg.String(cmd),
		DocumentName: aws_pkg.String(runShellScript),
		Parameters: map[string][]*string{
			"commands": {aws_pkg.String(cmd)},
		},
		InstanceIds: []*string{aws_pkg.String(instanceID)},
	})
	if err != nil {
		return "", &node.ErrFailedToRunCommand{
			Addr:  n.Name,
			Cause: fmt.Sprintf("failed to send command to instance %s: %v", instanceID, err),
		}
	}
	if sent.Command == nil || sent.Command.CommandId == nil {
		return "", fmt.Errorf("No command returned after sending command to %s", instanceID)
	}

	timeout := options.Timeout
	if timeout == 0 {
		timeout = defaultCommandTimeout
	}
	poll := options.TimeBeforeRetry
	if poll == 0 {
		poll = defaultCommandPoll
	}
	input := &ssm.GetCommandInvocationInput{
		CommandId:  sent.Command.CommandId,
		InstanceId: aws_pkg.String(instanceID),
	}
	var inv *ssm.GetCommandInvocationOutput
	outcome, err := task.WaitUntil(func() (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		out, err := a.svcSsm.GetCommandInvocationWithContext(ctx, input)
		if err != nil {
			if aerr, ok := err.(awserr.Error); ok && aerr.Code() == ssm.ErrCodeInvocationDoesNotExist {
				return false, nil
			}
			return false, err
		}
		inv = out
		switch aws_pkg.StringValue(out.Status) {
		case ssm.CommandInvocationStatusPending, ssm.CommandInvocationStatusInProgress, ssm.CommandInvocationStatusDelayed:
			return false, nil
		}
		return true, nil
	}, timeout, poll)
	if err != nil {
		return "", &node.ErrFailedToRunCommand{Addr: n.Name, Cause: err.Error()}
	}
	if !outcome.Satisfied {
		return "", &node.ErrFailedToRunCommand{
			Addr:  n.Name,
			Cause: fmt.Sprintf("command %s did not complete in %v", aws_pkg.StringValue(input.CommandId), timeout),
		}
	}

	output := aws_pkg.StringValue(inv.StandardOutputContent)
	if status := aws_pkg.StringValue(inv.Status); status != ssm.CommandInvocationStatusSuccess && !options.IgnoreError {
		return output, &node.ErrFailedToRunCommand{
			Addr: n.Name,
			Cause: fmt.Sprintf("command ended with status %s: %s", status,
				strings.TrimSpace(aws_pkg.StringValue(inv.StandardErrorContent))),
		}
	}
	return output, nil
}

func (a *aws) TestConnection(n node.Node, options node.ConnectionOpts) error {
	t := func() (interface{}, error) {
		return a.RunCommand(context.Background(), n, "uptime", node.ConnectionOpts{Timeout: options.TimeBeforeRetry})
	}
	if _, err := task.DoRetryWithTimeout(t, options.Timeout, options.TimeBeforeRetry); err != nil {
		return &node.ErrFailedToTestConnection{
			Node:  n,
			Cause: err.Error(),
		}
	}
	return nil
}

func (a *aws) Systemctl(ctx context.Context, n node.Node, service string, options node.SystemctlOpts) error {
	if _, err := a.RunCommand(ctx, n, fmt.Sprintf("systemctl %s %s", options.Action, service), options.ConnectionOpts); err != nil {
		return &node.ErrFailedToRunSystemctlOnNode{
			Node:    n,
			Service: service,
			Cause:   err.Error(),
		}
	}
	return nil
}

func (a *aws) IsServiceActive(ctx context.Context, n node.Node, service string, options node.ConnectionOpts) (bool, error) {
	options.IgnoreError = true
	out, err := a.RunCommand(ctx, n, fmt.Sprintf("systemctl is-active %s", service), options)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "active", nil
}

func (a *aws) RebootNode(n node.Node, options node.RebootNodeOpts) error {
	instanceID, err := a.instanceID(n)
	if err != nil {
		return &node.ErrFailedToRebootNode{
			Node:  n,
			Cause: fmt.Sprintf("failed to get instance ID due to: %v", err),
		}
	}
	if _, err := a.svc.RebootInstances(&ec2.RebootInstancesInput{
		InstanceIds: []*string{aws_pkg.String(instanceID)},
	}); err != nil {
		return &node.ErrFailedToRebootNode{
			Node:  n,
			Cause: fmt.Sprintf("failed to reboot instance due to: %v", err),
		}
	}
	return nil
}

func waiterOptions(options node.ConnectionOpts) []request.WaiterOption {
	timeout := options.Timeout
	if timeout == 0 {
		timeout = defaultPowerTimeout
	}
	delay := options.TimeBeforeRetry
	if delay == 0 {
		delay = powerPollDelay
	}
	attempts := int(timeout / delay)
	if attempts < 1 {
		attempts = 1
	}
	return []request.WaiterOption{
		request.WithWaiterDelay(request.ConstantWaiterDelay(delay)),
		request.WithWaiterMaxAttempts(attempts),
	}
}

// PowerOffNode force stops the instance behind n
func (a *aws) PowerOffNode(ctx context.Context, n node.Node, options node.ConnectionOpts) error {
	instanceID, err := a.instanceID(n)
	if err != nil {
		return &node.ErrFailedToSetPowerState{Node: n, State: "off", Cause: err.Error()}
	}
	log.Infof("[ %s ] stopping instance %s", n.Name, instanceID)
	ids := []*string{aws_pkg.String(instanceID)}
	if _, err := a.svc.StopInstancesWithContext(ctx, &ec2.StopInstancesInput{
		InstanceIds: ids,
		Force:       aws_pkg.Bool(true),
	}); err != nil {
		return &node.ErrFailedToSetPowerState{Node: n, State: "off", Cause: err.Error()}
	}
	if err := a.svc.WaitUntilInstanceStoppedWithContext(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids},
		waiterOptions(options)...); err != nil {
		return &node.ErrFailedToSetPowerState{Node: n, State: "off", Cause: err.Error()}
	}
	return nil
}

// PowerOnNode starts the instance behind n
func (a *aws) PowerOnNode(ctx context.Context, n node.Node, options node.ConnectionOpts) error {
	instanceID, err := a.instanceID(n)
	if err != nil {
		return &node.ErrFailedToSetPowerState{Node: n, State: "on", Cause: err.Error()}
	}
	log.Infof("[ %s ] starting instance %s", n.Name, instanceID)
	ids := []*string{aws_pkg.String(instanceID)}
	if _, err := a.svc.StartInstancesWithContext(ctx, &ec2.StartInstancesInput{InstanceIds: ids}); err != nil {
		return &node.ErrFailedToSetPowerState{Node: n, State: "on", Cause: err.Error()}
	}
	if err := a.svc.WaitUntilInstanceRunningWithContext(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids},
		waiterOptions(options)...); err != nil {
		return &node.ErrFailedToSetPowerState{Node: n, State: "on", Cause: err.Error()}
	}
	return nil
}

func init() {
	a := &aws{
		Driver: node.NotSupportedDriver,
	}
	node.Register(DriverName, a)
}
