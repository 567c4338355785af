package push

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medibridge/dicom-bridge/internal/ledger"
	"github.com/medibridge/dicom-bridge/internal/signer"
	"github.com/medibridge/dicom-bridge/internal/store"
	"github.com/medibridge/dicom-bridge/pkg/config"
	"github.com/medibridge/dicom-bridge/pkg/logger"
	"github.com/medibridge/dicom-bridge/pkg/types"
)

type fakeReader struct {
	status       types.RequestStatus
	requesterKey [32]byte
}

func (f *fakeReader) HeadBlock(ctx context.Context) (uint64, error) { return 100, nil }

func (f *fakeReader) Request(ctx context.Context, id uint64) (*types.AccessRequest, error) {
	return &types.AccessRequest{ID: id, Status: f.status, RequesterKey: f.requesterKey}, nil
}

func (f *fakeReader) ClinicOperator(ctx context.Context, clinicKey [32]byte) (common.Address, error) {
	return common.Address{}, nil
}

func (f *fakeReader) ApprovalEvents(ctx context.Context, fromBlock, toBlock uint64) ([]ledger.Approval, error) {
	return nil, nil
}

// fakeFulfiller flips the reader's status to fulfilled on dispatch so the
// confirmation poll observes inclusion.
type fakeFulfiller struct {
	reader *fakeReader
	calls  int
	fail   bool
}

func (f *fakeFulfiller) Fulfill(ctx context.Context, requestID uint64, manifestHash [32]byte) (*signer.Confirmation, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("signer unavailable")
	}
	f.reader.status = types.StatusFulfilled
	return &signer.Confirmation{Handle: "0xconfirmed", Submitted: time.Now()}, nil
}

type verifierFixture struct {
	verifier  *Verifier
	pending   *store.PendingPushStore
	events    *store.CopyEventStore
	reader    *fakeReader
	fulfiller *fakeFulfiller
	key       *ecdsa.PrivateKey
	uploads   *atomic.Int32
}

func newVerifierFixture(t *testing.T) *verifierFixture {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	operator := crypto.PubkeyToAddress(key.PublicKey).Hex()

	requester := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(requester.Close)

	var uploads atomic.Int32
	counting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/instances" {
			uploads.Add(1)
		}
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(counting.Close)

	clinics := store.NewClinicStore(filepath.Join(t.TempDir(), "clinics.json"), []types.DicomNodeConfig{
		{ClinicID: "clinic-a", RestURL: "http://provider.invalid", TransferMode: "push", Operator: operator},
		{ClinicID: "clinic-b", RestURL: counting.URL, TransferMode: "pull", Operated: true},
	})
	require.NoError(t, clinics.Load())

	reader := &fakeReader{
		status:       types.StatusPatientApproved,
		requesterKey: ledger.ClinicKey("clinic-b"),
	}
	fulfiller := &fakeFulfiller{reader: reader}

	pending := store.NewPendingPushStore()
	events := store.NewCopyEventStore(50, nil)

	verifier := NewVerifier(pending, clinics, events, reader, fulfiller,
		config.TransferConfig{MaxAttempts: 2, BackoffMS: 1, HTTPTimeout: 5},
		config.SignerConfig{ConfirmAttempts: 3, ConfirmIntervalMS: 1},
		logger.New("error"))

	return &verifierFixture{
		verifier:  verifier,
		pending:   pending,
		events:    events,
		reader:    reader,
		fulfiller: fulfiller,
		key:       key,
		uploads:   &uploads,
	}
}

func (f *verifierFixture) signedEnvelope(t *testing.T, requestID uint64, expiry int64) *types.PushEnvelope {
	t.Helper()

	instances := []types.PushInstance{
		{InstanceID: "inst-1", Payload: base64.StdEncoding.EncodeToString([]byte("dicom-1"))},
		{InstanceID: "inst-2", Payload: base64.StdEncoding.EncodeToString([]byte("dicom-2"))},
	}
	message := SigningMessage("clinic-a", requestID, expiry, ContentHash(instances))
	signature, err := SignMessage(message, f.key)
	require.NoError(t, err)

	return &types.PushEnvelope{
		ClinicID:  "clinic-a",
		RequestID: requestID,
		Expiry:    expiry,
		Instances: instances,
		Signature: signature,
	}
}

func TestVerifier_Process_AcceptsValidEnvelope(t *testing.T) {
	f := newVerifierFixture(t)
	f.pending.Put("clinic-a", "0xpatient", "patient-1", 7)
	f.events.Start(7)

	env := f.signedEnvelope(t, 7, time.Now().Add(time.Hour).Unix())
	result, err := f.verifier.Process(context.Background(), env)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"inst-1", "inst-2"}, result.Manifest.Success)
	assert.Equal(t, int32(2), f.uploads.Load())
	assert.Equal(t, 1, f.fulfiller.calls)

	_, stillPending := f.pending.Get(7)
	assert.False(t, stillPending, "pending entry must be consumed")

	event, ok := f.events.Get(7)
	require.True(t, ok)
	assert.Equal(t, types.CopyStatusCompleted, event.Status)
}

func TestVerifier_Process_PendingConsumedEvenWhenFulfillmentFails(t *testing.T) {
	f := newVerifierFixture(t)
	f.fulfiller.fail = true
	f.pending.Put("clinic-a", "0xpatient", "patient-1", 7)
	f.events.Start(7)

	env := f.signedEnvelope(t, 7, time.Now().Add(time.Hour).Unix())
	_, err := f.verifier.Process(context.Background(), env)
	require.Error(t, err)

	_, stillPending := f.pending.Get(7)
	assert.False(t, stillPending, "pending entry must be consumed on failure too")

	event, ok := f.events.Get(7)
	require.True(t, ok)
	assert.Equal(t, types.CopyStatusError, event.Status)
}

func TestVerifier_Process_RejectsTamperedPayload(t *testing.T) {
	f := newVerifierFixture(t)
	f.pending.Put("clinic-a", "0xpatient", "patient-1", 7)
	f.events.Start(7)

	env := f.signedEnvelope(t, 7, time.Now().Add(time.Hour).Unix())
	env.Instances[0].Payload = base64.StdEncoding.EncodeToString([]byte("tampered"))

	_, err := f.verifier.Process(context.Background(), env)
	require.Error(t, err)

	var bridgeErr *types.BridgeError
	require.ErrorAs(t, err, &bridgeErr)
	assert.Equal(t, types.ErrorTypeAuthorization, bridgeErr.Type)
	assert.Equal(t, int32(0), f.uploads.Load(), "no side effects before signature passes")
}

func TestVerifier_Process_RejectsForeignSigner(t *testing.T) {
	f := newVerifierFixture(t)
	f.pending.Put("clinic-a", "0xpatient", "patient-1", 7)

	foreign, err := crypto.GenerateKey()
	require.NoError(t, err)

	env := f.signedEnvelope(t, 7, time.Now().Add(time.Hour).Unix())
	message := SigningMessage(env.ClinicID, env.RequestID, env.Expiry, ContentHash(env.Instances))
	env.Signature, err = SignMessage(message, foreign)
	require.NoError(t, err)

	_, err = f.verifier.Process(context.Background(), env)
	require.Error(t, err)

	var bridgeErr *types.BridgeError
	require.ErrorAs(t, err, &bridgeErr)
	assert.Equal(t, types.ErrorTypeAuthorization, bridgeErr.Type)
}

func TestVerifier_Process_RejectsWithoutPendingEntry(t *testing.T) {
	f := newVerifierFixture(t)

	env := f.signedEnvelope(t, 7, time.Now().Add(time.Hour).Unix())
	_, err := f.verifier.Process(context.Background(), env)

	var bridgeErr *types.BridgeError
	require.ErrorAs(t, err, &bridgeErr)
	assert.Equal(t, types.ErrorTypeConflict, bridgeErr.Type)
}

func TestVerifier_Process_ProviderMismatchKeepsPending(t *testing.T) {
	f := newVerifierFixture(t)
	f.pending.Put("clinic-other", "0xpatient", "patient-1", 7)

	env := f.signedEnvelope(t, 7, time.Now().Add(time.Hour).Unix())
	_, err := f.verifier.Process(context.Background(), env)
	require.Error(t, err)

	_, stillPending := f.pending.Get(7)
	assert.True(t, stillPending, "a mismatched envelope must not consume the entry")
}

func TestVerifier_Process_RejectsExpiredEnvelope(t *testing.T) {
	f := newVerifierFixture(t)
	f.pending.Put("clinic-a", "0xpatient", "patient-1", 7)

	env := f.signedEnvelope(t, 7, time.Now().Add(-time.Minute).Unix())
	_, err := f.verifier.Process(context.Background(), env)

	var bridgeErr *types.BridgeError
	require.ErrorAs(t, err, &bridgeErr)
	assert.Equal(t, types.ErrCodeExpired, bridgeErr.Code)
}

func TestVerifier_Process_RejectsTerminalRequest(t *testing.T) {
	f := newVerifierFixture(t)
	f.reader.status = types.StatusFulfilled
	f.pending.Put("clinic-a", "0xpatient", "patient-1", 7)

	env := f.signedEnvelope(t, 7, time.Now().Add(time.Hour).Unix())
	_, err := f.verifier.Process(context.Background(), env)

	var bridgeErr *types.BridgeError
	require.ErrorAs(t, err, &bridgeErr)
	assert.Equal(t, types.ErrorTypeConflict, bridgeErr.Type)
	assert.Equal(t, int32(0), f.uploads.Load())
}

func TestValidateEnvelope_StructuralChecks(t *testing.T) {
	valid := types.PushEnvelope{
		ClinicID:  "clinic-a",
		RequestID: 7,
		Expiry:    time.Now().Add(time.Hour).Unix(),
		Instances: []types.PushInstance{{InstanceID: "inst-1", Payload: "cGF5bG9hZA=="}},
		Signature: "0xsig",
	}

	cases := map[string]func(e *types.PushEnvelope){
		"missing clinic":    func(e *types.PushEnvelope) { e.ClinicID = "" },
		"missing request":   func(e *types.PushEnvelope) { e.RequestID = 0 },
		"missing signature": func(e *types.PushEnvelope) { e.Signature = "" },
		"missing expiry":    func(e *types.PushEnvelope) { e.Expiry = 0 },
		"empty instances":   func(e *types.PushEnvelope) { e.Instances = nil },
		"blank instance id": func(e *types.PushEnvelope) { e.Instances[0].InstanceID = "" },
		"blank payload":     func(e *types.PushEnvelope) { e.Instances[0].Payload = "" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			env := valid
			env.Instances = append([]types.PushInstance(nil), valid.Instances...)
			mutate(&env)
			assert.Error(t, validateEnvelope(&env))
		})
	}

	assert.NoError(t, validateEnvelope(&valid))
}
