package orchestrator

import (
	"context"
	"time"

	"github.com/medibridge/dicom-bridge/internal/ledger"
	"github.com/medibridge/dicom-bridge/internal/store"
	"github.com/medibridge/dicom-bridge/internal/transfer"
	"github.com/medibridge/dicom-bridge/pkg/config"
	"github.com/medibridge/dicom-bridge/pkg/logger"
	"github.com/medibridge/dicom-bridge/pkg/types"
)

// Orchestrator polls the ledger's consent events over a moving block
// window and drives the transfer workflow for each newly approved
// request. One tick fully drains its batch before the next begins; a
// failing request never aborts the loop or its batch peers.
type Orchestrator struct {
	reader  ledger.Reader
	clinics *store.ClinicStore
	aliases *store.AliasStore
	events  *store.CopyEventStore
	pending *store.PendingPushStore
	engine  *transfer.Engine

	pollInterval time.Duration
	lookback     uint64

	// dispatched keys requests handled in this process lifetime. Events
	// older than the lookback window after extended downtime are never
	// replayed; there is no persisted cursor.
	dispatched map[uint64]struct{}
	nextFrom   uint64

	logger *logger.Logger
}

// New creates an orchestrator
func New(reader ledger.Reader, clinics *store.ClinicStore, aliases *store.AliasStore, events *store.CopyEventStore, pending *store.PendingPushStore, engine *transfer.Engine, cfg config.OrchestratorConfig, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		reader:       reader,
		clinics:      clinics,
		aliases:      aliases,
		events:       events,
		pending:      pending,
		engine:       engine,
		pollInterval: time.Duration(cfg.PollInterval) * time.Second,
		lookback:     cfg.LookbackBlocks,
		dispatched:   make(map[uint64]struct{}),
		logger:       log,
	}
}

// Run polls until the context is canceled
func (o *Orchestrator) Run(ctx context.Context) {
	log := o.logger.WithComponent("orchestrator")
	log.WithField("poll_interval", o.pollInterval.String()).Info("Starting consent event polling")

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Stopping consent event polling")
			return
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick processes one polling window. RPC failures are logged and retried
// on the next tick without advancing the window.
func (o *Orchestrator) Tick(ctx context.Context) {
	log := o.logger.WithComponent("orchestrator")

	head, err := o.reader.HeadBlock(ctx)
	if err != nil {
		log.WithError(err).Warn("Head block query failed; retrying next tick")
		return
	}

	from := o.nextFrom
	if from == 0 && head > o.lookback {
		from = head - o.lookback
	}
	if from > head {
		return
	}

	approvals, err := o.reader.ApprovalEvents(ctx, from, head)
	if err != nil {
		log.WithError(err).Warn("Consent event query failed; retrying next tick")
		return
	}
	o.nextFrom = head + 1

	for _, approval := range approvals {
		if _, seen := o.dispatched[approval.RequestID]; seen {
			continue
		}
		o.dispatched[approval.RequestID] = struct{}{}
		o.handle(ctx, approval)
	}
}

// handle runs the workflow for one approval. Failures mark the copy event
// and stop there.
func (o *Orchestrator) handle(ctx context.Context, approval ledger.Approval) {
	log := o.logger.WithRequestID(approval.RequestID)
	o.events.Start(approval.RequestID)

	provider, ok := o.clinics.FindByKey(approval.ProviderKey)
	if !ok {
		err := types.NewNotFoundError(types.ErrCodeNotFound, "no clinic configured for provider key")
		log.WithError(err).Error("Cannot resolve provider clinic")
		o.events.Fail(approval.RequestID, err)
		return
	}
	requester, ok := o.clinics.FindByKey(approval.RequesterKey)
	if !ok {
		err := types.NewNotFoundError(types.ErrCodeNotFound, "no clinic configured for requester key")
		log.WithError(err).Error("Cannot resolve requester clinic")
		o.events.Fail(approval.RequestID, err)
		return
	}

	// Re-read the request so a redelivered event for an already fulfilled
	// request is dropped instead of transferred twice.
	req, err := o.reader.Request(ctx, approval.RequestID)
	if err != nil {
		log.WithError(err).Error("Request state lookup failed")
		o.events.Fail(approval.RequestID, err)
		return
	}
	if req.Status.Terminal() {
		log.WithField("status", req.Status.String()).Info("Skipping request in terminal state")
		o.events.Fail(approval.RequestID, types.NewConflictError(types.ErrCodeConflict, "request already "+req.Status.String()))
		return
	}

	if provider.PushMode() {
		patientID := o.aliases.Resolve(approval.Patient.Hex())
		o.pending.Put(provider.ClinicID, approval.Patient.Hex(), patientID, approval.RequestID)
		log.WithField("clinic_id", provider.ClinicID).Info("Parked request awaiting provider push")
		return
	}

	if _, err := o.engine.Run(ctx, req, provider, requester); err != nil {
		log.WithError(err).Error("Transfer workflow failed")
		o.events.Fail(approval.RequestID, err)
	}
}
