package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"beaconchain-indexer/metrics"
	"beaconchain-indexer/types"

	"golang.org/x/time/rate"
)

// DefaultEndpoint is the public beaconcha.in api
const DefaultEndpoint = "https://beaconcha.in/api/v1"

var (
	errMissingData  = errors.New("response is missing the data field")
	errMissingField = errors.New("response is missing a required field")
)

// BeaconchainClient is a client for the beaconcha.in explorer api
type BeaconchainClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewBeaconchainClient creates a client for the explorer api at endpoint.
// A requestsPerSecond of 0 disables client side rate limiting.
func NewBeaconchainClient(endpoint, apiKey string, timeout time.Duration, requestsPerSecond float64) (*BeaconchainClient, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if timeout == 0 {
		timeout = time.Second * 20
	}

	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}

	return &BeaconchainClient{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 1),
	}, nil
}

// GetLatestSlot returns the number of the latest slot known to the explorer
func (bc *BeaconchainClient) GetLatestSlot(ctx context.Context) (uint64, error) {
	endpoint := "/slot/latest"

	res := &types.APISlotResponse{}
	if err := bc.get(ctx, endpoint, endpoint, res); err != nil {
		return 0, err
	}
	if res.Slot == nil {
		return 0, &types.FetchError{Endpoint: endpoint, Err: fmt.Errorf("%w: slot", errMissingField)}
	}

	return *res.Slot, nil
}

// GetSlotAttestations returns the committee attestations included in the given slot.
// Every call requests the explorer api, retries always see the current upstream data.
func (bc *BeaconchainClient) GetSlotAttestations(ctx context.Context, slot uint64) ([]*types.APIAttestationResponse, error) {
	endpoint := fmt.Sprintf("/slot/%d/attestations", slot)

	raw := json.RawMessage{}
	if err := bc.get(ctx, endpoint, "/slot/{slot}/attestations", &raw); err != nil {
		return nil, err
	}

	attestations := []*types.APIAttestationResponse{}
	// the api returns a single object instead of a list if the slot contains exactly one attestation
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '{' {
		attestation := &types.APIAttestationResponse{}
		if err := json.Unmarshal(trimmed, attestation); err != nil {
			return nil, &types.FetchError{Endpoint: endpoint, Err: err}
		}
		attestations = append(attestations, attestation)
	} else if err := json.Unmarshal(trimmed, &attestations); err != nil {
		return nil, &types.FetchError{Endpoint: endpoint, Err: err}
	}

	for i, attestation := range attestations {
		switch {
		case attestation == nil:
			return nil, &types.FetchError{Endpoint: endpoint, Err: fmt.Errorf("%w: attestation %d is null", errMissingField, i)}
		case attestation.Aggregationbits == nil:
			return nil, &types.FetchError{Endpoint: endpoint, Err: fmt.Errorf("%w: aggregationbits of attestation %d", errMissingField, i)}
		case attestation.TargetEpoch == nil:
			return nil, &types.FetchError{Endpoint: endpoint, Err: fmt.Errorf("%w: target_epoch of attestation %d", errMissingField, i)}
		case attestation.Validators == nil:
			return nil, &types.FetchError{Endpoint: endpoint, Err: fmt.Errorf("%w: validators of attestation %d", errMissingField, i)}
		}
	}

	return attestations, nil
}

// get requests the endpoint and decodes the data field of the response envelope into result.
// Every failure is returned as a *types.FetchError.
func (bc *BeaconchainClient) get(ctx context.Context, endpoint, metricEndpoint string, result interface{}) error {
	start := time.Now()
	statusCode := 0
	defer func() {
		metrics.ExplorerApiRequestsTotal.WithLabelValues(metricEndpoint, strconv.Itoa(statusCode)).Inc()
		metrics.ExplorerApiRequestsDuration.WithLabelValues(metricEndpoint).Observe(time.Since(start).Seconds())
	}()

	if err := bc.limiter.Wait(ctx); err != nil {
		return &types.FetchError{Endpoint: endpoint, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, bc.endpoint+endpoint, nil)
	if err != nil {
		return &types.FetchError{Endpoint: endpoint, Err: err}
	}
	req.Header.Set("accept", "application/json")
	if bc.apiKey != "" {
		req.Header.Set("apikey", bc.apiKey)
	}

	res, err := bc.httpClient.Do(req)
	if err != nil {
		return &types.FetchError{Endpoint: endpoint, Err: err}
	}
	defer res.Body.Close()
	statusCode = res.StatusCode

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return &types.FetchError{Endpoint: endpoint, StatusCode: res.StatusCode, Err: err}
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		logger.WithField("endpoint", endpoint).Debugf("explorer api returned status %v", res.StatusCode)
		return &types.FetchError{Endpoint: endpoint, StatusCode: res.StatusCode, Err: fmt.Errorf("error-response: %s", truncate(body, 256))}
	}

	envelope := &types.ApiRawResponse{}
	if err := json.Unmarshal(body, envelope); err != nil {
		return &types.FetchError{Endpoint: endpoint, StatusCode: res.StatusCode, Err: err}
	}
	if envelope.Status != "OK" {
		return &types.FetchError{Endpoint: endpoint, StatusCode: res.StatusCode, Err: fmt.Errorf("api status: %q", envelope.Status)}
	}
	if len(envelope.Data) == 0 || bytes.Equal(bytes.TrimSpace(envelope.Data), []byte("null")) {
		return &types.FetchError{Endpoint: endpoint, StatusCode: res.StatusCode, Err: errMissingData}
	}

	if err := json.Unmarshal(envelope.Data, result); err != nil {
		return &types.FetchError{Endpoint: endpoint, StatusCode: res.StatusCode, Err: err}
	}

	return nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

var _ Client = (*BeaconchainClient)(nil)
