package cloudapi

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/softcane/skyway-agent/internal/config"
)

// Detector holds the probes used by DetectVendor. Fields are overridable in tests.
type Detector struct {
	Client *http.Client
	Getenv func(string) string

	AWSEndpoint       string
	GCPEndpoint       string
	OpenStackEndpoint string
}

// DefaultDetector probes the well-known link-local metadata services.
func DefaultDetector() Detector {
	return Detector{
		Client:            &http.Client{Timeout: 2 * time.Second},
		Getenv:            os.Getenv,
		AWSEndpoint:       "http://169.254.169.254/latest/meta-data/",
		GCPEndpoint:       "http://metadata.google.internal/computeMetadata/v1/project/project-id",
		OpenStackEndpoint: "http://169.254.169.254/openstack/latest/meta_data.json",
	}
}

// DetectVendor guesses the vendor the agent runs next to.
// Environment variables are checked first, then the metadata services.
// Falls back to slurm, which needs no cloud credentials.
func DetectVendor(ctx context.Context, d Detector) string {
	getenv := d.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	switch {
	case getenv("AWS_REGION") != "" || getenv("AWS_DEFAULT_REGION") != "":
		return config.VendorAWS
	case getenv("GOOGLE_CLOUD_PROJECT") != "" || getenv("GOOGLE_APPLICATION_CREDENTIALS") != "":
		return config.VendorGCP
	case getenv("OS_AUTH_URL") != "":
		return config.VendorOpenStack
	}

	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}

	// GCP first: it is the only one requiring a header, so it never false-positives.
	if probeMetadata(ctx, client, d.GCPEndpoint, "Metadata-Flavor", "Google") {
		return config.VendorGCP
	}
	// OpenStack serves an EC2-compatible tree too, so check its own path before AWS.
	if probeMetadata(ctx, client, d.OpenStackEndpoint, "", "") {
		return config.VendorOpenStack
	}
	if probeMetadata(ctx, client, d.AWSEndpoint, "", "") {
		return config.VendorAWS
	}
	return config.VendorSlurm
}

func probeMetadata(ctx context.Context, client *http.Client, url, header, value string) bool {
	if url == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	if header != "" {
		req.Header.Set(header, value)
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
