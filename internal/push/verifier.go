package push

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/medibridge/dicom-bridge/internal/dicomweb"
	"github.com/medibridge/dicom-bridge/internal/ledger"
	"github.com/medibridge/dicom-bridge/internal/signer"
	"github.com/medibridge/dicom-bridge/internal/store"
	"github.com/medibridge/dicom-bridge/internal/transfer"
	"github.com/medibridge/dicom-bridge/pkg/config"
	"github.com/medibridge/dicom-bridge/pkg/logger"
	"github.com/medibridge/dicom-bridge/pkg/types"
)

// Verifier validates and applies provider push envelopes. A matching
// pending-push entry is consumed the moment an envelope for it is
// processed, successfully or not, so a replayed envelope finds nothing.
type Verifier struct {
	pending   *store.PendingPushStore
	clinics   *store.ClinicStore
	events    *store.CopyEventStore
	reader    ledger.Reader
	fulfiller signer.Fulfiller

	maxAttempts     int
	backoff         time.Duration
	httpTimeout     time.Duration
	confirmAttempts int
	confirmInterval time.Duration

	logger *logger.Logger
}

// NewVerifier creates a push envelope verifier
func NewVerifier(pending *store.PendingPushStore, clinics *store.ClinicStore, events *store.CopyEventStore, reader ledger.Reader, fulfiller signer.Fulfiller, transferCfg config.TransferConfig, signerCfg config.SignerConfig, log *logger.Logger) *Verifier {
	return &Verifier{
		pending:         pending,
		clinics:         clinics,
		events:          events,
		reader:          reader,
		fulfiller:       fulfiller,
		maxAttempts:     transferCfg.MaxAttempts,
		backoff:         time.Duration(transferCfg.BackoffMS) * time.Millisecond,
		httpTimeout:     time.Duration(transferCfg.HTTPTimeout) * time.Second,
		confirmAttempts: signerCfg.ConfirmAttempts,
		confirmInterval: time.Duration(signerCfg.ConfirmIntervalMS) * time.Millisecond,
		logger:          log,
	}
}

// Process verifies one envelope and, when it checks out, uploads its
// instances to the requester and submits fulfillment. Verification
// failures return a typed error and produce no side effects beyond
// consuming the pending entry.
func (v *Verifier) Process(ctx context.Context, env *types.PushEnvelope) (*transfer.Result, error) {
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}

	pending, ok := v.pending.Get(env.RequestID)
	if !ok {
		return nil, types.NewConflictError(types.ErrCodeConflict,
			fmt.Sprintf("no pending push for request %d", env.RequestID))
	}
	if pending.ProviderID != env.ClinicID {
		return nil, types.NewAuthorizationError(types.ErrCodeForbidden,
			"envelope clinic does not match the pending request's provider")
	}

	// The entry is spent from here on, whatever the outcome.
	defer v.pending.Remove(env.RequestID)

	clinic, ok := v.clinics.Get(env.ClinicID)
	if !ok || clinic.Operator == "" {
		return nil, types.NewAuthorizationError(types.ErrCodeForbidden,
			fmt.Sprintf("no operator configured for clinic %q", env.ClinicID))
	}

	contentHash := ContentHash(env.Instances)
	message := SigningMessage(env.ClinicID, env.RequestID, env.Expiry, contentHash)
	signerAddr, err := RecoverSigner(message, env.Signature)
	if err != nil {
		return nil, types.NewValidationError(types.ErrCodeBadSignature, err.Error())
	}
	if !strings.EqualFold(signerAddr.Hex(), clinic.Operator) {
		return nil, types.NewAuthorizationError(types.ErrCodeBadSignature,
			"envelope signer is not the clinic's operator")
	}

	if time.Unix(env.Expiry, 0).Before(time.Now()) {
		return nil, types.NewAuthorizationError(types.ErrCodeExpired, "envelope expiry has passed")
	}

	req, err := v.reader.Request(ctx, env.RequestID)
	if err != nil {
		return nil, types.NewExternalError(types.ErrCodeExternalError, "ledger status check failed", err)
	}
	if req.Status.Terminal() {
		return nil, types.NewConflictError(types.ErrCodeConflict,
			fmt.Sprintf("request %d is already %s", env.RequestID, req.Status))
	}

	requester, ok := v.clinics.FindByKey(req.RequesterKey)
	if !ok {
		err := fmt.Errorf("no clinic configured for requester key of request %d", env.RequestID)
		v.events.Fail(env.RequestID, err)
		return nil, types.NewInternalError(types.ErrCodeInternalError, err.Error(), nil)
	}

	v.events.SetCopying(env.RequestID)
	result, err := v.apply(ctx, env, requester)
	if err != nil {
		v.events.Fail(env.RequestID, err)
		return result, err
	}
	return result, nil
}

// apply uploads the envelope's instances and submits fulfillment
func (v *Verifier) apply(ctx context.Context, env *types.PushEnvelope, requester types.DicomNodeConfig) (*transfer.Result, error) {
	dst := dicomweb.NewClient(requester, v.httpTimeout, v.logger)

	var succeeded []string
	var failures []types.InstanceFailure
	for _, instance := range env.Instances {
		payload, err := base64.StdEncoding.DecodeString(instance.Payload)
		if err != nil {
			failures = append(failures, types.InstanceFailure{
				InstanceID: instance.InstanceID,
				Message:    fmt.Sprintf("payload decode failed: %v", err),
			})
			continue
		}

		uploadErr := transfer.Retry(ctx, v.maxAttempts, v.backoff, func() error {
			return dst.UploadInstance(ctx, payload)
		})
		if uploadErr != nil {
			failures = append(failures, types.InstanceFailure{
				InstanceID: instance.InstanceID,
				Message:    fmt.Sprintf("upload failed: %v", uploadErr),
			})
			continue
		}
		succeeded = append(succeeded, instance.InstanceID)
	}

	manifest := transfer.Manifest{Success: succeeded}
	for _, failure := range failures {
		manifest.Failed = append(manifest.Failed, failure.InstanceID)
	}

	result := &transfer.Result{
		Manifest:     manifest,
		ManifestHash: manifest.Hash(),
		Failures:     failures,
	}

	v.events.Complete(env.RequestID, len(succeeded), len(failures), failures, result.ManifestHash)
	v.logger.Transfer(env.RequestID, "push", len(succeeded), len(failures))

	confirmation, err := v.fulfiller.Fulfill(ctx, env.RequestID, manifest.Hash32())
	if err != nil {
		return result, fmt.Errorf("fulfillment dispatch failed: %w", err)
	}
	result.Confirmation = confirmation

	if err := signer.WaitForFulfillment(ctx, v.reader, env.RequestID, v.confirmAttempts, v.confirmInterval); err != nil {
		return result, err
	}
	return result, nil
}

// validateEnvelope checks structural requirements before any side effect
func validateEnvelope(env *types.PushEnvelope) error {
	switch {
	case env.ClinicID == "":
		return types.NewValidationError(types.ErrCodeInvalidInput, "clinic id is required")
	case env.RequestID == 0:
		return types.NewValidationError(types.ErrCodeInvalidInput, "request id is required")
	case env.Signature == "":
		return types.NewValidationError(types.ErrCodeInvalidInput, "signature is required")
	case env.Expiry == 0:
		return types.NewValidationError(types.ErrCodeInvalidInput, "expiry is required")
	case len(env.Instances) == 0:
		return types.NewValidationError(types.ErrCodeInvalidInput, "instance list is empty")
	}

	for i, instance := range env.Instances {
		if instance.InstanceID == "" {
			return types.NewValidationError(types.ErrCodeInvalidInput, fmt.Sprintf("instance %d: id is required", i))
		}
		if instance.Payload == "" {
			return types.NewValidationError(types.ErrCodeInvalidInput, fmt.Sprintf("instance %d: payload is required", i))
		}
	}
	return nil
}
