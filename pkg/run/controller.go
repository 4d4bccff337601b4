// Package run coordinates the run lifecycle: it owns the transition from
// "operator pressed run" to a TestResult that is either live on a phone
// call or failed with a recorded reason.
package run

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/voicelab/callcheck/pkg/gateway"
	"github.com/voicelab/callcheck/pkg/store"
)

// Errors surfaced to the operator when a run cannot be started.
var (
	// ErrNotConfigured indicates the gateway credentials are missing.
	ErrNotConfigured = errors.New(
		"api key and test agent phone number must be configured in settings",
	)

	// ErrNoNumberID indicates no call-routing identifier is available.
	ErrNoNumberID = errors.New(
		"no phone number id is configured for the gateway",
	)

	// ErrInvalidPhoneNumber indicates the configured number is not dialable.
	ErrInvalidPhoneNumber = errors.New(
		"invalid test agent phone number format",
	)
)

// Controller starts runs against the voice gateway.
type Controller struct {
	log             logrus.FieldLogger
	store           store.Store
	gateway         gateway.Client
	defaultNumberID string
}

// NewController creates a run controller. defaultNumberID is used when the
// stored settings row does not carry a number id.
func NewController(
	log logrus.FieldLogger,
	st store.Store,
	gw gateway.Client,
	defaultNumberID string,
) *Controller {
	return &Controller{
		log:             log.WithField("component", "run"),
		store:           st,
		gateway:         gw,
		defaultNumberID: defaultNumberID,
	}
}

// Start creates a running result for the test and triggers the outbound
// call. Creating the result and placing the call cannot share a
// transaction, so any failure after the result exists transitions it to
// failed with the reason recorded; a run is never left running without a
// call in flight. The returned result reflects the final state either way.
func (c *Controller) Start(
	ctx context.Context, testID string,
) (*store.TestResult, error) {
	if _, err := c.store.GetTest(ctx, testID); err != nil {
		return nil, err
	}

	result, err := c.store.CreateResult(ctx, testID)
	if err != nil {
		return nil, err
	}

	settings, err := c.store.GetSettings(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.fail(ctx, result, ErrNotConfigured)
		}

		return c.fail(ctx, result, fmt.Errorf("loading settings: %w", err))
	}

	if settings.APIKey == "" || settings.TestAgentPhoneNumber == "" {
		return c.fail(ctx, result, ErrNotConfigured)
	}

	numberID := settings.NumberID
	if numberID == "" {
		numberID = c.defaultNumberID
	}

	if numberID == "" {
		return c.fail(ctx, result, ErrNoNumberID)
	}

	toNumber := gateway.SanitizeNumber(settings.TestAgentPhoneNumber)
	if !gateway.ValidNumber(toNumber) {
		return c.fail(ctx, result, ErrInvalidPhoneNumber)
	}

	if err := c.gateway.InitiateCall(
		ctx, settings.APIKey, numberID, toNumber, nil,
	); err != nil {
		return c.fail(ctx, result, err)
	}

	c.log.WithField("test_id", testID).
		WithField("result_id", result.ID).
		Info("Run started")

	return result, nil
}

// fail transitions the result to failed with the error recorded, then
// returns the failed result together with the original error.
func (c *Controller) fail(
	ctx context.Context, result *store.TestResult, cause error,
) (*store.TestResult, error) {
	status := store.StatusFailed
	msg := cause.Error()

	failed, err := c.store.UpdateResult(ctx, result.ID, store.ResultUpdate{
		Status: &status,
		Error:  &msg,
	})
	if err != nil {
		c.log.WithError(err).
			WithField("result_id", result.ID).
			Error("Failed to mark aborted run as failed")

		return result, cause
	}

	c.log.WithError(cause).
		WithField("result_id", result.ID).
		Warn("Run aborted")

	return failed, cause
}
