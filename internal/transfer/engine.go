package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/medibridge/dicom-bridge/internal/dicomweb"
	"github.com/medibridge/dicom-bridge/internal/ledger"
	"github.com/medibridge/dicom-bridge/internal/signer"
	"github.com/medibridge/dicom-bridge/internal/store"
	"github.com/medibridge/dicom-bridge/pkg/config"
	"github.com/medibridge/dicom-bridge/pkg/logger"
	"github.com/medibridge/dicom-bridge/pkg/types"
)

// Engine executes the pull-based copy protocol for one approved request:
// query the provider for the patient's instances, fetch each with a
// fallback path, upload to the requester, and submit fulfillment with an
// honest manifest of what succeeded.
type Engine struct {
	aliases   *store.AliasStore
	events    *store.CopyEventStore
	fulfiller signer.Fulfiller
	reader    ledger.Reader

	maxAttempts     int
	backoff         time.Duration
	httpTimeout     time.Duration
	confirmAttempts int
	confirmInterval time.Duration

	logger *logger.Logger
}

// Result is the terminal outcome of one transfer workflow
type Result struct {
	Manifest     Manifest
	ManifestHash string
	Failures     []types.InstanceFailure
	Confirmation *signer.Confirmation
}

// NewEngine creates a transfer engine
func NewEngine(aliases *store.AliasStore, events *store.CopyEventStore, fulfiller signer.Fulfiller, reader ledger.Reader, transferCfg config.TransferConfig, signerCfg config.SignerConfig, log *logger.Logger) *Engine {
	return &Engine{
		aliases:         aliases,
		events:          events,
		fulfiller:       fulfiller,
		reader:          reader,
		maxAttempts:     transferCfg.MaxAttempts,
		backoff:         time.Duration(transferCfg.BackoffMS) * time.Millisecond,
		httpTimeout:     time.Duration(transferCfg.HTTPTimeout) * time.Second,
		confirmAttempts: signerCfg.ConfirmAttempts,
		confirmInterval: time.Duration(signerCfg.ConfirmIntervalMS) * time.Millisecond,
		logger:          log,
	}
}

// Run executes the whole pull workflow for one approved request. A failed
// instance never halts the batch; partial success is a valid terminal
// state and still proceeds to fulfillment.
func (e *Engine) Run(ctx context.Context, req *types.AccessRequest, provider, requester types.DicomNodeConfig) (*Result, error) {
	patientID := e.aliases.Resolve(req.Patient.Hex())
	log := e.logger.WithRequestID(req.ID)

	src := dicomweb.NewClient(provider, e.httpTimeout, e.logger)
	dst := dicomweb.NewClient(requester, e.httpTimeout, e.logger)

	e.events.SetCopying(req.ID)

	var instances []string
	err := Retry(ctx, e.maxAttempts, e.backoff, func() error {
		var findErr error
		instances, findErr = src.FindInstances(ctx, patientID)
		return findErr
	})
	if err != nil {
		return nil, fmt.Errorf("instance query on provider %s failed: %w", provider.ClinicID, err)
	}

	log.WithField("instances", len(instances)).Info("Starting instance transfer")

	var succeeded []string
	var failures []types.InstanceFailure
	for _, instanceID := range instances {
		payload, fetchErr := e.fetchWithFallback(ctx, src, instanceID)
		if fetchErr != nil {
			failures = append(failures, types.InstanceFailure{
				InstanceID: instanceID,
				Message:    fmt.Sprintf("fetch failed: %v", fetchErr),
			})
			continue
		}

		uploadErr := Retry(ctx, e.maxAttempts, e.backoff, func() error {
			return dst.UploadInstance(ctx, payload)
		})
		if uploadErr != nil {
			failures = append(failures, types.InstanceFailure{
				InstanceID: instanceID,
				Message:    fmt.Sprintf("upload failed: %v", uploadErr),
			})
			continue
		}

		succeeded = append(succeeded, instanceID)
	}

	manifest := Manifest{Success: succeeded}
	for _, failure := range failures {
		manifest.Failed = append(manifest.Failed, failure.InstanceID)
	}

	result := &Result{
		Manifest:     manifest,
		ManifestHash: manifest.Hash(),
		Failures:     failures,
	}

	e.events.Complete(req.ID, len(succeeded), len(failures), failures, result.ManifestHash)
	e.logger.Transfer(req.ID, string(e.statusFor(len(failures))), len(succeeded), len(failures))

	confirmation, err := e.fulfiller.Fulfill(ctx, req.ID, manifest.Hash32())
	if err != nil {
		return result, fmt.Errorf("fulfillment dispatch failed: %w", err)
	}
	result.Confirmation = confirmation

	if err := signer.WaitForFulfillment(ctx, e.reader, req.ID, e.confirmAttempts, e.confirmInterval); err != nil {
		return result, err
	}
	return result, nil
}

// fetchWithFallback retrieves one instance directly and, when that path
// is exhausted, retries through the lookup-then-fetch fallback
func (e *Engine) fetchWithFallback(ctx context.Context, src *dicomweb.Client, instanceID string) ([]byte, error) {
	var payload []byte
	err := Retry(ctx, e.maxAttempts, e.backoff, func() error {
		var fetchErr error
		payload, fetchErr = src.FetchInstance(ctx, instanceID)
		return fetchErr
	})
	if err == nil {
		return payload, nil
	}

	fallbackErr := Retry(ctx, e.maxAttempts, e.backoff, func() error {
		var fetchErr error
		payload, fetchErr = src.LookupAndFetch(ctx, instanceID)
		return fetchErr
	})
	if fallbackErr != nil {
		return nil, fmt.Errorf("direct fetch: %v; fallback: %w", err, fallbackErr)
	}
	return payload, nil
}

func (e *Engine) statusFor(failed int) types.CopyStatus {
	if failed > 0 {
		return types.CopyStatusPartial
	}
	return types.CopyStatusCompleted
}
