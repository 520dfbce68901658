package evm

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/proofs"
	"IntentMesh/internal/settlement"
)

type fakeBackend struct {
	mu       sync.Mutex
	nonce    uint64
	sent     []*coretypes.Transaction
	receipts map[common.Hash]*coretypes.Receipt
	sendErr  error
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, gethcore.NotFound
	}
	return receipt, nil
}

func newTestAdapter(t *testing.T, backend Backend) *Adapter {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	adapter, err := New(backend, Config{
		ChainID:           1337,
		PrivateKeyHex:     common.Bytes2Hex(crypto.FromECDSA(key)),
		CommitmentAddress: "0x00000000000000000000000000000000000000c0",
		WeiPerUnit:        "1000",
	})
	require.NoError(t, err)
	return adapter
}

func testProof() proofs.Proof {
	return proofs.Proof{Scheme: proofs.DigestScheme, Commitment: "0x01", Data: "0x02", PublicInputs: []string{"i", "1", "d"}}
}

func TestTransferSignsValueTransaction(t *testing.T) {
	backend := &fakeBackend{nonce: 7}
	adapter := newTestAdapter(t, backend)
	recipient := "0x00000000000000000000000000000000000000aa"

	ref, err := adapter.Transfer(context.Background(), 90, recipient)
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	require.Equal(t, ref, tx.Hash().Hex())
	require.Equal(t, uint64(7), tx.Nonce())
	require.Equal(t, big.NewInt(90_000), tx.Value())
	require.Equal(t, common.HexToAddress(recipient), *tx.To())

	sender, err := coretypes.Sender(coretypes.LatestSignerForChainID(big.NewInt(1337)), tx)
	require.NoError(t, err)
	require.Equal(t, adapter.From(), sender)
}

func TestTransferRejectsBadRecipient(t *testing.T) {
	adapter := newTestAdapter(t, &fakeBackend{})
	_, err := adapter.Transfer(context.Background(), 1, "node-b")
	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestFinalizeIsIdempotentPerTransfer(t *testing.T) {
	backend := &fakeBackend{}
	adapter := newTestAdapter(t, backend)
	transferRef := common.HexToHash("0x1234").Hex()
	proof := testProof()

	first, err := adapter.Finalize(context.Background(), transferRef, proof)
	require.NoError(t, err)
	second, err := adapter.Finalize(context.Background(), transferRef, proof)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	require.Equal(t, CommitmentData(transferRef, proof), tx.Data())
	require.Equal(t, 0, tx.Value().Sign())
}

func TestStatusFollowsReceipt(t *testing.T) {
	backend := &fakeBackend{receipts: map[common.Hash]*coretypes.Receipt{}}
	adapter := newTestAdapter(t, backend)
	ctx := context.Background()

	ok := common.HexToHash("0x01")
	reverted := common.HexToHash("0x02")
	backend.receipts[ok] = &coretypes.Receipt{Status: coretypes.ReceiptStatusSuccessful}
	backend.receipts[reverted] = &coretypes.Receipt{Status: coretypes.ReceiptStatusFailed}

	status, err := adapter.Status(ctx, ok.Hex())
	require.NoError(t, err)
	require.Equal(t, settlement.StatusFinalized, status)

	status, err = adapter.Status(ctx, reverted.Hex())
	require.NoError(t, err)
	require.Equal(t, settlement.StatusFailed, status)

	status, err = adapter.Status(ctx, common.HexToHash("0x03").Hex())
	require.NoError(t, err)
	require.Equal(t, settlement.StatusPending, status)
}

func TestSendFailureIsRetryable(t *testing.T) {
	adapter := newTestAdapter(t, &fakeBackend{sendErr: errors.New("nonce too low")})
	_, err := adapter.Transfer(context.Background(), 1, "0x00000000000000000000000000000000000000aa")
	require.Error(t, err)
	require.True(t, xerrors.RetryableError(err))
}

func TestOrchestratorDrivesEVMAdapter(t *testing.T) {
	backend := &fakeBackend{receipts: map[common.Hash]*coretypes.Receipt{}}
	adapter := newTestAdapter(t, backend)
	orch := settlement.NewOrchestrator(adapter, settlement.Options{RatePerSecond: 1000, Burst: 10})

	transferRef, err := adapter.Transfer(context.Background(), 5, "0x00000000000000000000000000000000000000aa")
	require.NoError(t, err)
	commitmentRef, err := orch.Finalize(context.Background(), transferRef, testProof())
	require.NoError(t, err)
	backend.receipts[common.HexToHash(commitmentRef)] = &coretypes.Receipt{Status: coretypes.ReceiptStatusSuccessful}

	require.NoError(t, orch.Confirm(context.Background(), settlement.Receipt{TransferRef: transferRef, CommitmentRef: commitmentRef}))
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(&fakeBackend{}, Config{ChainID: 1, PrivateKeyHex: "zz", CommitmentAddress: "0x00000000000000000000000000000000000000c0", WeiPerUnit: "1"})
	require.Error(t, err)

	key, _ := crypto.GenerateKey()
	_, err = New(&fakeBackend{}, Config{ChainID: 1, PrivateKeyHex: common.Bytes2Hex(crypto.FromECDSA(key)), CommitmentAddress: "nope", WeiPerUnit: "1"})
	require.Error(t, err)
}
