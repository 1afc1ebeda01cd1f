// Package aws implements the provider adapter on top of EC2. Spot quotes
// come from the spot price history API; on-demand rates fall back to the
// built-in catalog when the pricing API has no answer.
package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"media-orchestrator/providers"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
)

// onDemandRateTTL bounds how often the Price List API is consulted per
// instance class. Published rates change rarely.
const onDemandRateTTL = time.Hour

// Client is the EC2-backed provider adapter.
type Client struct {
	id            string
	ec2Client     *ec2.Client
	pricingClient *pricing.Client
	region        string
	spotDefault   bool

	rateMu    sync.Mutex
	rateCache map[string]cachedRate
}

type cachedRate struct {
	usd     float64
	fetched time.Time
}

// NewClient creates an adapter for one AWS region.
func NewClient(ctx context.Context, id, region string, preferSpot bool) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	// The Price List API is only served out of us-east-1.
	pcfg := cfg.Copy()
	pcfg.Region = "us-east-1"
	return &Client{
		id:            id,
		ec2Client:     ec2.NewFromConfig(cfg),
		pricingClient: pricing.NewFromConfig(pcfg),
		region:        region,
		spotDefault:   preferSpot,
		rateCache:     make(map[string]cachedRate),
	}, nil
}

func (c *Client) ID() string { return c.id }

func (c *Client) Local() bool { return false }

// Classes returns the GPU instance classes from the built-in catalog.
func (c *Client) Classes() []providers.InstanceClass {
	out := make([]providers.InstanceClass, 0, len(catalog))
	for _, e := range catalog {
		out = append(out, e.Class)
	}
	return out
}

// Quote prices an instance class. Spot pricing uses the most recent spot
// price history entry; on-demand uses the catalog rate.
func (c *Client) Quote(ctx context.Context, instanceClass, regionHint string) (providers.Quote, error) {
	entry, ok := lookupCatalog(instanceClass)
	if !ok {
		return providers.Quote{}, fmt.Errorf("class %s: %w", instanceClass, providers.ErrQuoteUnavailable)
	}

	rate := entry.OnDemandUSD
	if published, ok := c.onDemandRate(ctx, instanceClass); ok {
		rate = published
	}
	quote := providers.Quote{
		HourlyRateUSD:     rate,
		AvailabilityDelay: entry.TypicalStartup,
		FetchedAt:         time.Now(),
	}
	if !c.spotDefault {
		return quote, nil
	}

	out, err := c.ec2Client.DescribeSpotPriceHistory(ctx, &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       []ec2types.InstanceType{ec2types.InstanceType(instanceClass)},
		ProductDescriptions: []string{"Linux/UNIX"},
		StartTime:           awssdk.Time(time.Now().Add(-1 * time.Hour)),
		MaxResults:          awssdk.Int32(10),
	})
	if err != nil {
		return providers.Quote{}, classifyError(err, providers.ErrQuoteUnavailable)
	}
	if len(out.SpotPriceHistory) == 0 {
		// No spot market for this class; the on-demand quote stands.
		return quote, nil
	}

	var price float64
	if _, err := fmt.Sscanf(awssdk.ToString(out.SpotPriceHistory[0].SpotPrice), "%f", &price); err != nil || price <= 0 {
		return quote, nil
	}
	quote.HourlyRateUSD = price
	quote.Spot = true
	return quote, nil
}

// onDemandRate looks up the published Linux on-demand rate for an instance
// class via the Price List API. Failures are not surfaced to callers; the
// catalog rate stands in until the next refresh window.
func (c *Client) onDemandRate(ctx context.Context, instanceClass string) (float64, bool) {
	c.rateMu.Lock()
	if cached, ok := c.rateCache[instanceClass]; ok && time.Since(cached.fetched) <= onDemandRateTTL {
		c.rateMu.Unlock()
		return cached.usd, true
	}
	c.rateMu.Unlock()

	out, err := c.pricingClient.GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode: awssdk.String("AmazonEC2"),
		MaxResults:  awssdk.Int32(1),
		Filters: []pricingtypes.Filter{
			{Type: pricingtypes.FilterTypeTermMatch, Field: awssdk.String("instanceType"), Value: awssdk.String(instanceClass)},
			{Type: pricingtypes.FilterTypeTermMatch, Field: awssdk.String("regionCode"), Value: awssdk.String(c.region)},
			{Type: pricingtypes.FilterTypeTermMatch, Field: awssdk.String("operatingSystem"), Value: awssdk.String("Linux")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: awssdk.String("tenancy"), Value: awssdk.String("Shared")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: awssdk.String("preInstalledSw"), Value: awssdk.String("NA")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: awssdk.String("capacitystatus"), Value: awssdk.String("Used")},
		},
	})
	if err != nil || len(out.PriceList) == 0 {
		return 0, false
	}
	rate, ok := parseOnDemandUSD(out.PriceList[0])
	if !ok {
		return 0, false
	}

	c.rateMu.Lock()
	c.rateCache[instanceClass] = cachedRate{usd: rate, fetched: time.Now()}
	c.rateMu.Unlock()
	return rate, true
}

// parseOnDemandUSD digs the hourly USD rate out of a Price List document.
// The document nests OnDemand terms under generated keys, so both levels
// are walked rather than addressed.
func parseOnDemandUSD(doc string) (float64, bool) {
	var product struct {
		Terms struct {
			OnDemand map[string]struct {
				PriceDimensions map[string]struct {
					PricePerUnit struct {
						USD string `json:"USD"`
					} `json:"pricePerUnit"`
				} `json:"priceDimensions"`
			} `json:"OnDemand"`
		} `json:"terms"`
	}
	if err := json.Unmarshal([]byte(doc), &product); err != nil {
		return 0, false
	}
	for _, term := range product.Terms.OnDemand {
		for _, dim := range term.PriceDimensions {
			usd, err := strconv.ParseFloat(dim.PricePerUnit.USD, 64)
			if err == nil && usd > 0 {
				return usd, true
			}
		}
	}
	return 0, false
}

// Provision launches one instance and returns its id.
func (c *Client) Provision(ctx context.Context, instanceClass, imageRef, regionHint string) (string, error) {
	input := &ec2.RunInstancesInput{
		ImageId:      awssdk.String(imageRef),
		InstanceType: ec2types.InstanceType(instanceClass),
		MinCount:     awssdk.Int32(1),
		MaxCount:     awssdk.Int32(1),
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags: []ec2types.Tag{
					{Key: awssdk.String("ManagedBy"), Value: awssdk.String("media-orchestrator")},
				},
			},
		},
	}
	if c.spotDefault {
		input.InstanceMarketOptions = &ec2types.InstanceMarketOptionsRequest{
			MarketType: ec2types.MarketTypeSpot,
			SpotOptions: &ec2types.SpotMarketOptions{
				SpotInstanceType: ec2types.SpotInstanceTypeOneTime,
			},
		}
	}

	out, err := c.ec2Client.RunInstances(ctx, input)
	if err != nil {
		return "", classifyError(err, providers.ErrProvisionRejected)
	}
	if len(out.Instances) == 0 {
		return "", fmt.Errorf("run instances returned no instance: %w", providers.ErrProvisionRejected)
	}
	return awssdk.ToString(out.Instances[0].InstanceId), nil
}

// PollStatus maps the EC2 instance state onto the adapter status.
func (c *Client) PollStatus(ctx context.Context, handle string) (providers.InstanceStatus, error) {
	out, err := c.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{handle},
	})
	if err != nil {
		if isNotFound(err) {
			return providers.StatusTerminated, nil
		}
		return providers.StatusError, classifyError(err, providers.ErrProviderUnreachable)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return providers.StatusTerminated, nil
	}
	switch out.Reservations[0].Instances[0].State.Name {
	case ec2types.InstanceStateNamePending:
		return providers.StatusProvisioning, nil
	case ec2types.InstanceStateNameRunning:
		return providers.StatusReady, nil
	case ec2types.InstanceStateNameShuttingDown, ec2types.InstanceStateNameStopping,
		ec2types.InstanceStateNameTerminated, ec2types.InstanceStateNameStopped:
		return providers.StatusTerminated, nil
	default:
		return providers.StatusError, nil
	}
}

// Terminate releases the instance. Unknown handles are treated as already
// terminated, never as an error that implies action is needed.
func (c *Client) Terminate(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}
	_, err := c.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{handle},
	})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return classifyError(err, providers.ErrProviderUnreachable)
	}
	return nil
}

// CurrentCost is not available from EC2 in real time; callers fall back to
// rate times elapsed time.
func (c *Client) CurrentCost(_ context.Context, handle string) (float64, error) {
	return 0, fmt.Errorf("handle %s: %w", handle, providers.ErrQuoteUnavailable)
}

// apiError matches smithy API errors without depending on the module.
type apiError interface {
	ErrorCode() string
}

func isNotFound(err error) bool {
	var ae apiError
	if errors.As(err, &ae) {
		code := ae.ErrorCode()
		return code == "InvalidInstanceID.NotFound" || code == "InvalidInstanceID.Malformed"
	}
	return false
}

// classifyError maps provider SDK errors onto the shared taxonomy.
func classifyError(err error, fallback error) error {
	var ae apiError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "InsufficientInstanceCapacity", "SpotMaxPriceTooLow", "InstanceLimitExceeded":
			return fmt.Errorf("%v: %w", err, providers.ErrCapacityUnavailable)
		case "RequestLimitExceeded", "Unavailable", "InternalError":
			return fmt.Errorf("%v: %w", err, providers.ErrProviderUnreachable)
		case "UnauthorizedOperation", "OptInRequired":
			return fmt.Errorf("%v: %w", err, providers.ErrProvisionRejected)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%v: %w", err, providers.ErrProviderUnreachable)
	}
	return fmt.Errorf("%v: %w", err, fallback)
}
