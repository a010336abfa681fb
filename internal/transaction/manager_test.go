package transaction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rovshanmuradov/blinkshop/internal/blockchain"
	"github.com/rovshanmuradov/blinkshop/internal/metrics"
	"github.com/rovshanmuradov/blinkshop/internal/token"
	"github.com/rovshanmuradov/blinkshop/internal/transfer"
	"github.com/rovshanmuradov/blinkshop/internal/wallet"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeClient is an in-memory blockchain.Client.
type fakeClient struct {
	mu sync.Mutex

	blockhashErr error
	sendErrs     []error // consumed one per send
	missing      map[solana.PublicKey]bool
	// statuses are returned in order; the last one repeats.
	statuses []*blockchain.SignatureStatus

	sends       int
	statusCalls int
	sent        []*solana.Transaction
}

func (f *fakeClient) GetRecentBlockhash(ctx context.Context) (solana.Hash, error) {
	if f.blockhashErr != nil {
		return solana.Hash{}, f.blockhashErr
	}
	return solana.Hash{7, 7, 7}, nil
}

func (f *fakeClient) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts blockchain.TransactionOptions) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return solana.Signature{}, err
		}
	}
	f.sent = append(f.sent, tx)
	return tx.Signatures[0], nil
}

func (f *fakeClient) GetSignatureStatus(ctx context.Context, signature solana.Signature) (*blockchain.SignatureStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if len(f.statuses) == 0 {
		return nil, nil
	}
	st := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return st, nil
}

func (f *fakeClient) AccountExists(ctx context.Context, pubkey solana.PublicKey) (bool, error) {
	return !f.missing[pubkey], nil
}

type rejectingSigner struct {
	pk solana.PublicKey
}

func (s rejectingSigner) PublicKey() solana.PublicKey { return s.pk }
func (s rejectingSigner) Sign(context.Context, *solana.Transaction) error {
	return wallet.ErrSignerRejected
}

func confirmed(slot uint64) *blockchain.SignatureStatus {
	return &blockchain.SignatureStatus{Slot: slot, ConfirmationStatus: rpc.ConfirmationStatusConfirmed}
}

func testConfig() Config {
	return Config{
		MaxRetries:       3,
		RetryDelay:       time.Millisecond,
		ConfirmationTime: 200 * time.Millisecond,
		PollInterval:     2 * time.Millisecond,
		CheckAccounts:    true,
	}
}

func newSigner(t *testing.T) *wallet.Wallet {
	t.Helper()
	w, err := wallet.NewWallet(solana.NewWallet().PrivateKey.String())
	require.NoError(t, err)
	return w
}

func buildUSDC(t *testing.T, sender solana.PublicKey, amount int64) *transfer.Unsigned {
	t.Helper()
	u, err := transfer.NewBuilder(token.DefaultCatalog()).Build(transfer.Request{
		Token:     "USDC",
		Amount:    decimal.NewFromInt(amount),
		Sender:    sender.String(),
		Recipient: solana.NewWallet().PublicKey().String(),
		Reference: "ref-1",
	})
	require.NoError(t, err)
	return u
}

func TestSubmitConfirms(t *testing.T) {
	signer := newSigner(t)
	client := &fakeClient{statuses: []*blockchain.SignatureStatus{nil, {Slot: 9}, confirmed(10)}}
	reg := prometheus.NewRegistry()
	m := NewManager(client, zaptest.NewLogger(t), testConfig(), metrics.New(reg))

	got, err := m.Submit(context.Background(), buildUSDC(t, signer.PublicKey(), 25), signer)
	require.NoError(t, err)

	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Equal(t, uint64(10), got.Slot)
	assert.Equal(t, "ref-1", got.Reference)
	assert.False(t, got.ConfirmedAt.IsZero())
	require.Len(t, client.sent, 1)
	assert.Equal(t, client.sent[0].Signatures[0], got.Signature)
	assert.GreaterOrEqual(t, client.statusCalls, 3)
}

func TestSubmitRetriesTransportErrors(t *testing.T) {
	signer := newSigner(t)
	client := &fakeClient{
		sendErrs: []error{errors.New("EOF"), errors.New("503 Service Unavailable")},
		statuses: []*blockchain.SignatureStatus{confirmed(1)},
	}
	m := NewManager(client, zaptest.NewLogger(t), testConfig(), nil)

	got, err := m.Submit(context.Background(), buildUSDC(t, signer.PublicKey(), 1), signer)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Equal(t, 3, client.sends)
}

func TestSubmitRetryExhausted(t *testing.T) {
	signer := newSigner(t)
	boom := errors.New("connection refused")
	client := &fakeClient{sendErrs: []error{boom, boom, boom, boom}}
	m := NewManager(client, zaptest.NewLogger(t), testConfig(), nil)

	_, err := m.Submit(context.Background(), buildUSDC(t, signer.PublicKey(), 1), signer)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetryExhausted))
	assert.True(t, errors.Is(err, ErrSubmissionFailed))
	assert.Equal(t, 3, client.sends)
	assert.Zero(t, client.statusCalls)
}

func TestSubmitRejectedIsNotRetried(t *testing.T) {
	signer := newSigner(t)
	client := &fakeClient{sendErrs: []error{&blockchain.RejectionError{Code: -32002, Message: "Transaction simulation failed"}}}
	m := NewManager(client, zaptest.NewLogger(t), testConfig(), nil)

	_, err := m.Submit(context.Background(), buildUSDC(t, signer.PublicKey(), 1), signer)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransactionRejected))
	assert.False(t, errors.Is(err, ErrRetryExhausted))
	assert.Equal(t, 1, client.sends)
}

func TestSubmitOnChainFailure(t *testing.T) {
	signer := newSigner(t)
	client := &fakeClient{statuses: []*blockchain.SignatureStatus{{Slot: 3, Err: map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}}}}
	m := NewManager(client, zaptest.NewLogger(t), testConfig(), nil)

	got, err := m.Submit(context.Background(), buildUSDC(t, signer.PublicKey(), 1), signer)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransactionRejected))
	require.NotNil(t, got)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestSubmitConfirmationTimeout(t *testing.T) {
	signer := newSigner(t)
	client := &fakeClient{}
	cfg := testConfig()
	cfg.ConfirmationTime = 30 * time.Millisecond
	m := NewManager(client, zaptest.NewLogger(t), cfg, nil)

	u := buildUSDC(t, signer.PublicKey(), 1)
	u.Reference = "order-7"
	got, err := m.Submit(context.Background(), u, signer)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfirmationTimeout))
	assert.Equal(t, 1, client.sends)

	require.NotNil(t, got)
	assert.False(t, got.Signature.IsZero())
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "order-7", got.Reference)
}

func TestSubmitCanceledKeepsSignature(t *testing.T) {
	signer := newSigner(t)
	client := &fakeClient{}
	cfg := testConfig()
	cfg.ConfirmationTime = time.Minute
	m := NewManager(client, zaptest.NewLogger(t), cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	got, err := m.Submit(ctx, buildUSDC(t, signer.PublicKey(), 1), signer)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, got)
	assert.False(t, got.Signature.IsZero())
	assert.Equal(t, StatusPending, got.Status)

	st, err := m.Status(context.Background(), got.Signature)
	require.NoError(t, err)
	assert.Equal(t, got.Signature, st.Signature)
}

func TestSubmitMissingTokenAccount(t *testing.T) {
	signer := newSigner(t)
	u := buildUSDC(t, signer.PublicKey(), 1)
	client := &fakeClient{missing: map[solana.PublicKey]bool{u.Accounts[1]: true}}
	m := NewManager(client, zaptest.NewLogger(t), testConfig(), nil)

	_, err := m.Submit(context.Background(), u, signer)
	assert.True(t, errors.Is(err, transfer.ErrTokenAccountUnavailable))
	assert.Zero(t, client.sends)
}

func TestSubmitSignerErrors(t *testing.T) {
	signer := newSigner(t)
	u := buildUSDC(t, signer.PublicKey(), 1)
	client := &fakeClient{}
	m := NewManager(client, zaptest.NewLogger(t), testConfig(), nil)

	_, err := m.Submit(context.Background(), u, rejectingSigner{pk: signer.PublicKey()})
	assert.True(t, errors.Is(err, wallet.ErrSignerRejected))

	_, err = m.Submit(context.Background(), u, newSigner(t))
	assert.True(t, errors.Is(err, wallet.ErrSignerUnavailable), "signer for another account")

	_, err = m.Submit(context.Background(), u, nil)
	assert.True(t, errors.Is(err, wallet.ErrSignerUnavailable))
	assert.Zero(t, client.sends)
}

func TestSubmitBlockhashFailure(t *testing.T) {
	signer := newSigner(t)
	client := &fakeClient{blockhashErr: errors.New("node unhealthy")}
	m := NewManager(client, zaptest.NewLogger(t), testConfig(), nil)

	_, err := m.Submit(context.Background(), buildUSDC(t, signer.PublicKey(), 1), signer)
	assert.True(t, errors.Is(err, ErrSubmissionFailed))
}

func TestSubmitCancelled(t *testing.T) {
	signer := newSigner(t)
	client := &fakeClient{}
	cfg := testConfig()
	cfg.ConfirmationTime = time.Minute
	m := NewManager(client, zaptest.NewLogger(t), cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Submit(ctx, buildUSDC(t, signer.PublicKey(), 1), signer)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestPriorityFeeInstructions(t *testing.T) {
	signer := newSigner(t)
	client := &fakeClient{statuses: []*blockchain.SignatureStatus{confirmed(1)}}
	cfg := testConfig()
	cfg.PriorityFee = 1000
	cfg.ComputeUnits = 200_000
	m := NewManager(client, zaptest.NewLogger(t), cfg, nil)

	_, err := m.Submit(context.Background(), buildUSDC(t, signer.PublicKey(), 1), signer)
	require.NoError(t, err)
	require.Len(t, client.sent, 1)
	assert.Len(t, client.sent[0].Message.Instructions, 3)
}
