// Package gateway wraps the voice runtime outbound-call API. The gateway
// places a phone call to the agent under test; everything that happens on
// the call is reported back by the external integration, not by this client.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voicelab/callcheck/pkg/config"
)

const outboundPathFormat = "/v1alpha1/phone-number/%s/outbound"

// Client places outbound calls through the voice runtime API.
type Client interface {
	// InitiateCall asks the runtime to dial toNumber. The call is routed
	// through the phone number identified by numberID. The call variables
	// are forwarded to the agent session verbatim.
	InitiateCall(
		ctx context.Context,
		apiKey, numberID, toNumber string,
		variables map[string]string,
	) error
}

// CallError is a non-success response from the gateway. The raw response
// body is preserved so callers can surface it verbatim.
type CallError struct {
	StatusCode int
	Body       string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("gateway returned status %d: %s", e.StatusCode, e.Body)
}

// Compile-time interface check.
var _ Client = (*client)(nil)

type client struct {
	log     logrus.FieldLogger
	baseURL string
	http    *http.Client
}

// NewClient creates a gateway client from config.
func NewClient(
	log logrus.FieldLogger,
	cfg *config.GatewayConfig,
	timeout time.Duration,
) Client {
	return &client{
		log:     log.WithField("component", "gateway"),
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type outboundRequest struct {
	To        string            `json:"to"`
	Variables map[string]string `json:"variables"`
}

// InitiateCall performs a single outbound-call request. No retries; a run
// start attempts the call exactly once.
func (c *client) InitiateCall(
	ctx context.Context,
	apiKey, numberID, toNumber string,
	variables map[string]string,
) error {
	if variables == nil {
		variables = map[string]string{}
	}

	payload, err := json.Marshal(outboundRequest{
		To:        toNumber,
		Variables: variables,
	})
	if err != nil {
		return fmt.Errorf("encoding call request: %w", err)
	}

	url := c.baseURL + fmt.Sprintf(outboundPathFormat, numberID)

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, url, bytes.NewReader(payload),
	)
	if err != nil {
		return fmt.Errorf("creating call request: %w", err)
	}

	req.Header.Set("Authorization", apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.log.WithField("to", toNumber).Info("Initiating outbound call")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling gateway: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading gateway response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &CallError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}

	c.log.WithField("status", resp.StatusCode).Debug("Call initiated")

	return nil
}
