package health

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/beam-cloud/vmr/pkg/types"
)

const maxProbeBodyBytes = 64 << 10

// probe sends one health check request. Any transport error, timeout or unexpected
// status code is reported as an error.
func probe(ctx context.Context, client *http.Client, ep *types.ModelRunnerEndpoint) error {
	ctx, cancel := context.WithTimeout(ctx, ep.HealthCheckTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, ep.HealthCheckMethod, ep.HealthCheckTarget(), nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}
	if ep.HealthCheckUseAuth && ep.ApiKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.ApiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBodyBytes))

	if resp.StatusCode != ep.HealthCheckExpectedStatusCode {
		return fmt.Errorf("unexpected status code %d, expected %d", resp.StatusCode, ep.HealthCheckExpectedStatusCode)
	}
	return nil
}
