// Copyright 2025 Lumina Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/go-logr/logr"

	"github.com/scalewright/minionctl/internal/domain"
)

// AWSCloud is the production Cloud implementation, backed by the AWS SDK
// v2 ec2, autoscaling, and pricing clients.
//
// Every exported method wraps its AWS call in RetryWithBackoff using
// DefaultRetryConfig, matching the bounded-retry contract every adapter
// operation must implement.
type AWSCloud struct {
	region        string
	ec2Client     *ec2.Client
	asgClient     *autoscaling.Client
	pricingClient *pricing.Client
	log           logr.Logger
	retry         RetryConfig
}

// NewAWSCloud constructs an AWSCloud using the SDK's default credential
// chain, optionally scoped to profile. When assumeRoleARN is non-empty,
// every call runs under that role's credentials, refreshed transparently
// before expiry. The pricing API only serves us-east-1 and ap-south-1;
// pricingRegion lets callers pick either.
func NewAWSCloud(ctx context.Context, region, profile, assumeRoleARN, pricingRegion string, log logr.Logger) (*AWSCloud, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(region))
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	if assumeRoleARN != "" {
		assumeRole := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), assumeRoleARN,
			func(o *stscreds.AssumeRoleOptions) {
				o.RoleSessionName = "minionctl"
			})
		cfg.Credentials = aws.NewCredentialsCache(assumeRole)
	}

	pricingCfg := cfg
	pricingCfg.Region = pricingRegion
	if pricingRegion == "" {
		pricingCfg.Region = "us-east-1"
	}

	return &AWSCloud{
		region:        region,
		ec2Client:     ec2.NewFromConfig(cfg),
		asgClient:     autoscaling.NewFromConfig(cfg),
		pricingClient: pricing.NewFromConfig(pricingCfg),
		log:           log,
		retry:         DefaultRetryConfig(),
	}, nil
}

// DescribeManagedGroups enumerates autoscaling groups tagged with
// cluster-id == clusterTag and carrying a minion-manager tag.
func (c *AWSCloud) DescribeManagedGroups(ctx context.Context, clusterTag string) ([]domain.GroupDescription, error) {
	var groups []domain.GroupDescription

	err := RetryWithBackoff(ctx, c.retry, c.log, "describeManagedGroups", func() error {
		groups = nil
		paginator := autoscaling.NewDescribeAutoScalingGroupsPaginator(c.asgClient, &autoscaling.DescribeAutoScalingGroupsInput{})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return fmt.Errorf("describe autoscaling groups: %w", err)
			}
			for _, g := range page.AutoScalingGroups {
				tags := tagMap(g.Tags)
				if tags[domain.TagClusterID] != clusterTag {
					continue
				}
				if _, hasPolicy := tags[domain.TagPolicy]; !hasPolicy {
					continue
				}
				groups = append(groups, domain.GroupDescription{
					Name:                  aws.ToString(g.AutoScalingGroupName),
					DesiredCapacity:       int(aws.ToInt32(g.DesiredCapacity)),
					AvailabilityZones:     g.AvailabilityZones,
					CurrentLaunchTemplate: launchTemplateName(g),
					Instances:             instanceSummaries(g.Instances),
					Tags:                  tags,
				})
			}
		}
		return nil
	})
	return groups, err
}

func tagMap(tags []asgtypes.TagDescription) map[string]string {
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return m
}

func instanceSummaries(instances []asgtypes.Instance) []domain.GroupInstanceSummary {
	summaries := make([]domain.GroupInstanceSummary, 0, len(instances))
	for _, i := range instances {
		summaries = append(summaries, domain.GroupInstanceSummary{
			ID: aws.ToString(i.InstanceId),
			Healthy: i.HealthStatus != nil && strings.EqualFold(aws.ToString(i.HealthStatus), "Healthy") &&
				i.LifecycleState == asgtypes.LifecycleStateInService,
		})
	}
	return summaries
}

func launchTemplateName(g asgtypes.AutoScalingGroup) string {
	if g.LaunchTemplate != nil {
		return aws.ToString(g.LaunchTemplate.LaunchTemplateName)
	}
	if g.MixedInstancesPolicy != nil && g.MixedInstancesPolicy.LaunchTemplate != nil &&
		g.MixedInstancesPolicy.LaunchTemplate.LaunchTemplateSpecification != nil {
		return aws.ToString(g.MixedInstancesPolicy.LaunchTemplate.LaunchTemplateSpecification.LaunchTemplateName)
	}
	return ""
}

// DescribeLaunchTemplate fetches the named launch template's latest version.
func (c *AWSCloud) DescribeLaunchTemplate(ctx context.Context, name string) (domain.LaunchTemplate, error) {
	var lt domain.LaunchTemplate

	err := RetryWithBackoff(ctx, c.retry, c.log, "describeLaunchTemplate", func() error {
		versions, err := c.ec2Client.DescribeLaunchTemplateVersions(ctx, &ec2.DescribeLaunchTemplateVersionsInput{
			LaunchTemplateName: aws.String(name),
			Versions:           []string{"$Latest"},
		})
		if err != nil {
			return fmt.Errorf("describe launch template %s: %w", name, err)
		}
		if len(versions.LaunchTemplateVersions) == 0 {
			return fmt.Errorf("launch template %s has no versions", name)
		}
		data := versions.LaunchTemplateVersions[0].LaunchTemplateData
		lt = domain.LaunchTemplate{Name: name}
		if data != nil {
			lt.InstanceType = string(data.InstanceType)
			if data.UserData != nil {
				decoded, decodeErr := base64.StdEncoding.DecodeString(aws.ToString(data.UserData))
				if decodeErr != nil {
					return fmt.Errorf("decode user data for %s: %w", name, decodeErr)
				}
				lt.UserData = decoded
			}
			for _, sg := range data.SecurityGroupIds {
				lt.SecurityGroupIDs = append(lt.SecurityGroupIDs, sg)
			}
			if data.InstanceMarketOptions != nil && data.InstanceMarketOptions.SpotOptions != nil {
				lt.SpotPrice = aws.ToString(data.InstanceMarketOptions.SpotOptions.MaxPrice)
			}
			for _, ni := range data.NetworkInterfaces {
				if ni.AssociatePublicIpAddress != nil {
					v := *ni.AssociatePublicIpAddress
					lt.AssociatePublicIPAddress = &v
				}
				break
			}
		}
		return nil
	})
	return lt, err
}

// DescribeGroupActivities returns the group's scaling-activity history.
func (c *AWSCloud) DescribeGroupActivities(ctx context.Context, groupName string) ([]ScalingActivity, error) {
	var activities []ScalingActivity

	err := RetryWithBackoff(ctx, c.retry, c.log, "describeGroupActivities", func() error {
		activities = nil
		out, err := c.asgClient.DescribeScalingActivities(ctx, &autoscaling.DescribeScalingActivitiesInput{
			AutoScalingGroupName: aws.String(groupName),
			MaxRecords:           aws.Int32(100),
		})
		if err != nil {
			return fmt.Errorf("describe scaling activities for %s: %w", groupName, err)
		}
		for _, a := range out.Activities {
			activities = append(activities, ScalingActivity{
				Progress:      int(aws.ToInt32(a.Progress)),
				StatusMessage: aws.ToString(a.StatusMessage),
			})
		}
		return nil
	})
	return activities, err
}

// DescribeSpotRequests returns the status of the given spot instance request ids.
func (c *AWSCloud) DescribeSpotRequests(ctx context.Context, ids []string) ([]SpotRequestStatus, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var statuses []SpotRequestStatus

	err := RetryWithBackoff(ctx, c.retry, c.log, "describeSpotRequests", func() error {
		statuses = nil
		out, err := c.ec2Client.DescribeSpotInstanceRequests(ctx, &ec2.DescribeSpotInstanceRequestsInput{
			SpotInstanceRequestIds: ids,
		})
		if err != nil {
			return fmt.Errorf("describe spot instance requests: %w", err)
		}
		for _, r := range out.SpotInstanceRequests {
			statuses = append(statuses, SpotRequestStatus{
				RequestID:  aws.ToString(r.SpotInstanceRequestId),
				StatusCode: aws.ToString(r.Status.Code),
			})
		}
		return nil
	})
	return statuses, err
}

// DescribeInstances returns the current snapshot of the given instance ids.
func (c *AWSCloud) DescribeInstances(ctx context.Context, ids []string) ([]domain.InstanceSnapshot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var snaps []domain.InstanceSnapshot

	err := RetryWithBackoff(ctx, c.retry, c.log, "describeInstances", func() error {
		snaps = nil
		paginator := ec2.NewDescribeInstancesPaginator(c.ec2Client, &ec2.DescribeInstancesInput{
			InstanceIds: ids,
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return fmt.Errorf("describe instances: %w", err)
			}
			for _, res := range page.Reservations {
				for _, inst := range res.Instances {
					snaps = append(snaps, convertInstance(inst))
				}
			}
		}
		return nil
	})
	return snaps, err
}

func convertInstance(inst ec2types.Instance) domain.InstanceSnapshot {
	lifecycle := domain.OnDemand
	if inst.InstanceLifecycle == ec2types.InstanceLifecycleTypeSpot {
		lifecycle = domain.Spot
	}

	state := domain.InstanceState("")
	if inst.State != nil {
		state = domain.InstanceState(strings.ToLower(string(inst.State.Name)))
	}

	var launchTime time.Time
	if inst.LaunchTime != nil {
		launchTime = *inst.LaunchTime
	}

	var name string
	for _, tag := range inst.Tags {
		if aws.ToString(tag.Key) == "Name" {
			name = aws.ToString(tag.Value)
		}
	}

	var zone string
	if inst.Placement != nil {
		zone = aws.ToString(inst.Placement.AvailabilityZone)
	}

	return domain.InstanceSnapshot{
		ID:               aws.ToString(inst.InstanceId),
		InstanceType:     string(inst.InstanceType),
		AvailabilityZone: zone,
		LaunchTime:       launchTime,
		Lifecycle:        lifecycle,
		State:            state,
		Name:             name,
	}
}

// CreateLaunchTemplate creates a new launch template from spec. If the
// template already exists, it treats that as success.
func (c *AWSCloud) CreateLaunchTemplate(ctx context.Context, spec domain.LaunchTemplate) error {
	err := RetryWithBackoff(ctx, c.retry, c.log, "createLaunchTemplate", func() error {
		data := &ec2types.RequestLaunchTemplateData{
			InstanceType: ec2types.InstanceType(spec.InstanceType),
			UserData:     aws.String(base64.StdEncoding.EncodeToString(spec.UserData)),
		}
		if spec.SpotPrice != "" {
			data.InstanceMarketOptions = &ec2types.LaunchTemplateInstanceMarketOptionsRequest{
				MarketType: ec2types.MarketTypeSpot,
				SpotOptions: &ec2types.LaunchTemplateSpotMarketOptionsRequest{
					MaxPrice: aws.String(spec.SpotPrice),
				},
			}
		}
		if len(spec.SecurityGroupIDs) > 0 {
			data.SecurityGroupIds = spec.SecurityGroupIDs
		}
		if spec.AssociatePublicIPAddress != nil {
			data.NetworkInterfaces = []ec2types.LaunchTemplateInstanceNetworkInterfaceSpecificationRequest{
				{AssociatePublicIpAddress: spec.AssociatePublicIPAddress},
			}
		}

		_, err := c.ec2Client.CreateLaunchTemplate(ctx, &ec2.CreateLaunchTemplateInput{
			LaunchTemplateName: aws.String(spec.Name),
			LaunchTemplateData: data,
		})
		if err != nil {
			var apiErr smithy.APIError
			if errors.As(err, &apiErr) && strings.HasSuffix(apiErr.ErrorCode(), "AlreadyExistsException") {
				return &AlreadyExistsError{Resource: spec.Name}
			}
			return fmt.Errorf("create launch template %s: %w", spec.Name, err)
		}
		return nil
	})

	if IsAlreadyExists(err) {
		return nil
	}
	return err
}

// UpdateGroupLaunchTemplate repoints the group at the named template's latest version.
func (c *AWSCloud) UpdateGroupLaunchTemplate(ctx context.Context, groupName, templateName string) error {
	return RetryWithBackoff(ctx, c.retry, c.log, "updateGroupLaunchTemplate", func() error {
		_, err := c.asgClient.UpdateAutoScalingGroup(ctx, &autoscaling.UpdateAutoScalingGroupInput{
			AutoScalingGroupName: aws.String(groupName),
			LaunchTemplate: &asgtypes.LaunchTemplateSpecification{
				LaunchTemplateName: aws.String(templateName),
				Version:            aws.String("$Latest"),
			},
		})
		if err != nil {
			return fmt.Errorf("update group %s launch template: %w", groupName, err)
		}
		return nil
	})
}

// DeleteLaunchTemplate deletes the named launch template.
func (c *AWSCloud) DeleteLaunchTemplate(ctx context.Context, name string) error {
	return RetryWithBackoff(ctx, c.retry, c.log, "deleteLaunchTemplate", func() error {
		_, err := c.ec2Client.DeleteLaunchTemplate(ctx, &ec2.DeleteLaunchTemplateInput{
			LaunchTemplateName: aws.String(name),
		})
		if err != nil {
			return fmt.Errorf("delete launch template %s: %w", name, err)
		}
		return nil
	})
}

// TerminateInstanceInGroup terminates the instance, optionally decrementing
// the group's desired capacity.
func (c *AWSCloud) TerminateInstanceInGroup(ctx context.Context, instanceID string, decrementDesired bool) error {
	return RetryWithBackoff(ctx, c.retry, c.log, "terminateInstanceInGroup", func() error {
		_, err := c.asgClient.TerminateInstanceInAutoScalingGroup(ctx, &autoscaling.TerminateInstanceInAutoScalingGroupInput{
			InstanceId:                     aws.String(instanceID),
			ShouldDecrementDesiredCapacity: aws.Bool(decrementDesired),
		})
		if err != nil {
			return fmt.Errorf("terminate instance %s: %w", instanceID, err)
		}
		return nil
	})
}

// GetSpotPriceHistory queries the last hour of spot history for the region.
func (c *AWSCloud) GetSpotPriceHistory(ctx context.Context, region string) ([]domain.SpotPricePoint, error) {
	var points []domain.SpotPricePoint

	err := RetryWithBackoff(ctx, c.retry, c.log, "getSpotPriceHistory", func() error {
		points = nil
		input := &ec2.DescribeSpotPriceHistoryInput{
			ProductDescriptions: []string{"Linux/UNIX"},
			StartTime:           aws.Time(time.Now().Add(-1 * time.Hour)),
			MaxResults:          aws.Int32(1000),
		}
		paginator := ec2.NewDescribeSpotPriceHistoryPaginator(c.ec2Client, input)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return fmt.Errorf("describe spot price history in %s: %w", region, err)
			}
			for _, p := range page.SpotPriceHistory {
				var ts time.Time
				if p.Timestamp != nil {
					ts = *p.Timestamp
				}
				points = append(points, domain.SpotPricePoint{
					InstanceType:     string(p.InstanceType),
					AvailabilityZone: aws.ToString(p.AvailabilityZone),
					Price:            aws.ToString(p.SpotPrice),
					Timestamp:        ts,
				})
			}
		}
		points = dedupeSpotPoints(points)
		return nil
	})
	return points, err
}

// dedupeSpotPoints keeps only the most recent observation per
// instance-type+AZ pair, then sorts most-recent-first.
func dedupeSpotPoints(points []domain.SpotPricePoint) []domain.SpotPricePoint {
	latest := make(map[string]domain.SpotPricePoint)
	for _, p := range points {
		key := p.InstanceType + ":" + p.AvailabilityZone
		if existing, ok := latest[key]; !ok || p.Timestamp.After(existing.Timestamp) {
			latest[key] = p
		}
	}
	result := make([]domain.SpotPricePoint, 0, len(latest))
	for _, p := range latest {
		result = append(result, p)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	return result
}

// GetOnDemandPriceCatalog fetches the priced SKU documents for the
// AmazonEC2 service code in region's location, pre-filtered to Linux,
// Shared tenancy, no pre-installed software and used capacity, to be
// filtered further by the bid advisor's on-demand refresh.
func (c *AWSCloud) GetOnDemandPriceCatalog(ctx context.Context, region string) (OnDemandCatalog, error) {
	location, ok := regionToLocation(region)
	if !ok {
		return OnDemandCatalog{}, fmt.Errorf("unknown region for pricing catalog: %s", region)
	}

	var catalog OnDemandCatalog
	err := RetryWithBackoff(ctx, c.retry, c.log, "getOnDemandPriceCatalog", func() error {
		catalog.Documents = nil
		paginator := pricing.NewGetProductsPaginator(c.pricingClient, &pricing.GetProductsInput{
			ServiceCode: aws.String("AmazonEC2"),
			Filters: []pricingtypes.Filter{
				{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("location"), Value: aws.String(location)},
				{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("operatingSystem"), Value: aws.String("Linux")},
				{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("tenancy"), Value: aws.String("Shared")},
				{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("preInstalledSw"), Value: aws.String("NA")},
				{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("capacitystatus"), Value: aws.String("Used")},
			},
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return fmt.Errorf("get on-demand price catalog for %s: %w", region, err)
			}
			catalog.Documents = append(catalog.Documents, page.PriceList...)
		}
		return nil
	})
	return catalog, err
}
