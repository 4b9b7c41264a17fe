package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
)

// SpotLookback is how far back spot price history is queried.
const SpotLookback = time.Hour

// PricingAPI is the subset of the Pricing client the adapter uses.
type PricingAPI interface {
	GetProducts(ctx context.Context, in *pricing.GetProductsInput, optFns ...func(*pricing.Options)) (*pricing.GetProductsOutput, error)
}

// PriceClient looks up hourly list prices.
type PriceClient struct {
	ec2Client     EC2API
	pricingClient PricingAPI
	logger        *slog.Logger
	region        string

	mu            sync.RWMutex
	onDemandCache map[string]float64 // key: instanceType
}

// NewPriceClient creates a price client over existing API clients.
func NewPriceClient(ec2Client EC2API, pricingClient PricingAPI, region string, logger *slog.Logger) *PriceClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &PriceClient{
		ec2Client:     ec2Client,
		pricingClient: pricingClient,
		logger:        logger,
		region:        region,
		onDemandCache: make(map[string]float64),
	}
}

// GetSpotPrice returns the lowest current spot price across availability zones.
func (c *PriceClient) GetSpotPrice(ctx context.Context, instanceType string) (float64, error) {
	c.logger.Debug("fetching spot price from AWS", "instance_type", instanceType)

	result, err := c.ec2Client.DescribeSpotPriceHistory(ctx, &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       []types.InstanceType{types.InstanceType(instanceType)},
		StartTime:           aws.Time(time.Now().Add(-SpotLookback)),
		ProductDescriptions: []string{"Linux/UNIX"},
	})
	if err != nil {
		return 0, classify("spot-price", fmt.Errorf("failed to describe spot price history: %w", err))
	}

	best, found := 0.0, false
	for _, sp := range result.SpotPriceHistory {
		if sp.SpotPrice == nil {
			continue
		}
		price, err := strconv.ParseFloat(*sp.SpotPrice, 64)
		if err != nil || price <= 0 {
			continue
		}
		if !found || price < best {
			best, found = price, true
		}
	}
	if !found {
		return 0, fmt.Errorf("no spot price history found for %s", instanceType)
	}
	return best, nil
}

// GetOnDemandPrice fetches the on-demand price for an instance type.
func (c *PriceClient) GetOnDemandPrice(ctx context.Context, instanceType string) (float64, error) {
	c.mu.RLock()
	if price, ok := c.onDemandCache[instanceType]; ok {
		c.mu.RUnlock()
		return price, nil
	}
	c.mu.RUnlock()

	term := func(field, value string) pricingtypes.Filter {
		return pricingtypes.Filter{
			Type:  pricingtypes.FilterTypeTermMatch,
			Field: aws.String(field),
			Value: aws.String(value),
		}
	}
	input := &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		Filters: []pricingtypes.Filter{
			term("instanceType", instanceType),
			term("operatingSystem", "Linux"),
			term("preInstalledSw", "NA"),
			term("tenancy", "Shared"),
			term("capacitystatus", "Used"),
			term("regionCode", c.region),
		},
		MaxResults: aws.Int32(1),
	}

	result, err := c.pricingClient.GetProducts(ctx, input)
	if err != nil {
		return 0, classify("price", fmt.Errorf("failed to get products: %w", err))
	}
	if len(result.PriceList) == 0 {
		return 0, fmt.Errorf("no pricing found for %s", instanceType)
	}

	price, err := parseOnDemandPrice(result.PriceList[0])
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.onDemandCache[instanceType] = price
	c.mu.Unlock()

	c.logger.Info("on-demand price loaded", "instance_type", instanceType, "price", price)
	return price, nil
}

// parseOnDemandPrice extracts the lowest USD hourly price from a Pricing API product document.
func parseOnDemandPrice(priceList string) (float64, error) {
	var payload struct {
		Terms struct {
			OnDemand map[string]map[string]struct {
				PriceDimensions map[string]struct {
					PricePerUnit map[string]string `json:"pricePerUnit"`
				} `json:"priceDimensions"`
			} `json:"OnDemand"`
		} `json:"terms"`
	}
	if err := json.Unmarshal([]byte(priceList), &payload); err != nil {
		return 0, fmt.Errorf("failed to parse pricing payload: %w", err)
	}
	if len(payload.Terms.OnDemand) == 0 {
		return 0, fmt.Errorf("pricing payload missing terms.OnDemand")
	}

	best, found := 0.0, false
	for _, sku := range payload.Terms.OnDemand {
		for _, term := range sku {
			for _, dim := range term.PriceDimensions {
				usd, ok := dim.PricePerUnit["USD"]
				if !ok {
					continue
				}
				price, err := strconv.ParseFloat(strings.TrimSpace(usd), 64)
				if err != nil || price <= 0 {
					continue
				}
				if !found || price < best {
					best, found = price, true
				}
			}
		}
	}
	if !found {
		return 0, fmt.Errorf("unable to extract USD on-demand price from payload")
	}
	return best, nil
}
