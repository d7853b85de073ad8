package drs

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/drs"
	"github.com/aws/aws-sdk-go-v2/service/drs/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// DRSClient is the subset of *drs.Client this package calls, narrowed so
// AWSService can be tested against a hand-rolled stub as well as the real
// SDK client.
type DRSClient interface {
	DescribeSourceServers(ctx context.Context, in *drs.DescribeSourceServersInput, optFns ...func(*drs.Options)) (*drs.DescribeSourceServersOutput, error)
	StartRecovery(ctx context.Context, in *drs.StartRecoveryInput, optFns ...func(*drs.Options)) (*drs.StartRecoveryOutput, error)
	DescribeJobs(ctx context.Context, in *drs.DescribeJobsInput, optFns ...func(*drs.Options)) (*drs.DescribeJobsOutput, error)
	DescribeRecoveryInstances(ctx context.Context, in *drs.DescribeRecoveryInstancesInput, optFns ...func(*drs.Options)) (*drs.DescribeRecoveryInstancesOutput, error)
	TerminateRecoveryInstances(ctx context.Context, in *drs.TerminateRecoveryInstancesInput, optFns ...func(*drs.Options)) (*drs.TerminateRecoveryInstancesOutput, error)
	DescribeJobLogItems(ctx context.Context, in *drs.DescribeJobLogItemsInput, optFns ...func(*drs.Options)) (*drs.DescribeJobLogItemsOutput, error)
}

// EC2Client is the subset of *ec2.Client this package calls.
type EC2Client interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// AWSService implements Service against the real AWS DRS/EC2 SDK v2
// clients, one pair of clients per (account, region) credential scope.
type AWSService struct {
	drs DRSClient
	ec2 EC2Client
}

// NewAWSService builds an AWSService wrapping already-configured SDK
// clients (the caller is responsible for scoping them to one
// (accountId, region) via the Credential Broker).
func NewAWSService(drsClient DRSClient, ec2Client EC2Client) *AWSService {
	return &AWSService{drs: drsClient, ec2: ec2Client}
}

func (s *AWSService) DescribeSourceServers(ctx context.Context, filter SourceServerFilter) ([]SourceServer, error) {
	input := &drs.DescribeSourceServersInput{}
	if len(filter.SourceServerIDs) > 0 {
		input.Filters = &types.DescribeSourceServersRequestFilters{
			SourceServerIDs: filter.SourceServerIDs,
		}
	}

	var servers []SourceServer
	paginator := drs.NewDescribeSourceServersPaginator(s.drs, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapAWSError(err)
		}
		for _, item := range page.Items {
			ss := SourceServer{SourceServerID: aws.ToString(item.SourceServerID)}
			if item.Tags != nil {
				ss.Tags = item.Tags
			}
			if matchesTagFilter(ss.Tags, filter.TagFilter) {
				servers = append(servers, ss)
			}
		}
	}
	return servers, nil
}

func matchesTagFilter(tags, filter map[string]string) bool {
	if len(filter) == 0 {
		return true
	}
	for k, v := range filter {
		if tags[k] != v {
			return false
		}
	}
	return true
}

func (s *AWSService) StartRecovery(ctx context.Context, in StartRecoveryInput) (Job, error) {
	servers := make([]types.StartRecoveryRequestSourceServer, 0, len(in.SourceServerIDs))
	for _, id := range in.SourceServerIDs {
		sid := id
		servers = append(servers, types.StartRecoveryRequestSourceServer{SourceServerID: &sid})
	}
	tags := make(map[string]string, len(in.Tags))
	for k, v := range in.Tags {
		tags[k] = v
	}

	out, err := s.drs.StartRecovery(ctx, &drs.StartRecoveryInput{
		SourceServers: servers,
		IsDrill:       in.IsDrill,
		Tags:          tags,
	})
	if err != nil {
		return Job{}, mapAWSError(err)
	}
	return jobFromAWS(out.Job), nil
}

func (s *AWSService) DescribeJobs(ctx context.Context, jobIDs []string) ([]Job, error) {
	out, err := s.drs.DescribeJobs(ctx, &drs.DescribeJobsInput{
		Filters: &types.DescribeJobsRequestFilters{JobIDs: jobIDs},
	})
	if err != nil {
		return nil, mapAWSError(err)
	}
	jobs := make([]Job, 0, len(out.Items))
	for i := range out.Items {
		jobs = append(jobs, jobFromAWS(&out.Items[i]))
	}
	return jobs, nil
}

func (s *AWSService) DescribeRecoveryInstances(ctx context.Context, sourceServerIDs []string) ([]RecoveryInstance, error) {
	out, err := s.drs.DescribeRecoveryInstances(ctx, &drs.DescribeRecoveryInstancesInput{
		Filters: &types.DescribeRecoveryInstancesRequestFilters{SourceServerIDs: sourceServerIDs},
	})
	if err != nil {
		return nil, mapAWSError(err)
	}
	instances := make([]RecoveryInstance, 0, len(out.Items))
	for _, item := range out.Items {
		instances = append(instances, RecoveryInstance{
			RecoveryInstanceID: aws.ToString(item.RecoveryInstanceID),
			SourceServerID:     aws.ToString(item.SourceServerID),
			EC2InstanceID:      aws.ToString(item.EC2InstanceID),
		})
	}
	return instances, nil
}

func (s *AWSService) TerminateRecoveryInstances(ctx context.Context, recoveryInstanceIDs []string) (TerminateJob, error) {
	out, err := s.drs.TerminateRecoveryInstances(ctx, &drs.TerminateRecoveryInstancesInput{
		RecoveryInstanceIDs: recoveryInstanceIDs,
	})
	if err != nil {
		return TerminateJob{}, mapAWSError(err)
	}
	return TerminateJob{JobID: aws.ToString(out.Job.JobID)}, nil
}

func (s *AWSService) DescribeJobLogItems(ctx context.Context, jobID string) ([]JobLogItem, error) {
	out, err := s.drs.DescribeJobLogItems(ctx, &drs.DescribeJobLogItemsInput{JobID: &jobID})
	if err != nil {
		return nil, mapAWSError(err)
	}
	items := make([]JobLogItem, 0, len(out.Items))
	for _, item := range out.Items {
		li := JobLogItem{Event: string(item.Event)}
		if item.LogDateTime != nil {
			li.LogDateTime = *item.LogDateTime
		}
		if item.EventData != nil && item.EventData.RawError != nil {
			li.Message = aws.ToString(item.EventData.RawError)
		}
		items = append(items, li)
	}
	return items, nil
}

// EC2InstanceState resolves the current power state of the EC2 instance
// backing a recovery instance, used by operators cross-checking a launch
// beyond what DRS itself reports.
func (s *AWSService) EC2InstanceState(ctx context.Context, ec2InstanceID string) (string, error) {
	out, err := s.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{ec2InstanceID},
	})
	if err != nil {
		return "", mapAWSError(err)
	}
	for _, r := range out.Reservations {
		for _, i := range r.Instances {
			if i.State != nil {
				return string(i.State.Name), nil
			}
		}
	}
	return string(ec2types.InstanceStateNamePending), nil
}

func jobFromAWS(j *types.Job) Job {
	if j == nil {
		return Job{}
	}
	out := Job{JobID: aws.ToString(j.JobID), Status: JobStatus(j.Status)}
	for _, ps := range j.ParticipatingServers {
		out.ParticipatingServers = append(out.ParticipatingServers, participatingServerFromAWS(ps))
	}
	return out
}

func participatingServerFromAWS(ps types.ParticipatingServer) ParticipatingServer {
	p := ParticipatingServer{
		SourceServerID:     aws.ToString(ps.SourceServerID),
		RecoveryInstanceID: aws.ToString(ps.RecoveryInstanceID),
		LaunchStatus:       LaunchStatus(ps.LaunchStatus),
	}
	if ps.LaunchStatus == types.LaunchStatusFailed {
		p.ErrorCode = "LAUNCH_FAILED"
	}
	return p
}

func mapAWSError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("drs: %w", err)
}
