package services

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/documentledger/internal/catalog"
	"github.com/Lllllllleong/documentledger/internal/models"
	"github.com/Lllllllleong/documentledger/internal/solana"
	"github.com/Lllllllleong/documentledger/internal/textextract"
)

var testRetry = RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond}

const helloWorldHash = "a591a6d40bf420404a011733cfb7b190d62c65bf0bcda32b57b277d9ad9f146e"

const validReply = `{"genre":"Education","title":"Notes","difficulty":"Beginner","summary":"short note"}`

type completion struct {
	reply string
	err   error
}

// fakeCompleter replays scripted completions; the last one repeats.
type fakeCompleter struct {
	mu      sync.Mutex
	script  []completion
	calls   int
	prompts []string
}

func (f *fakeCompleter) Complete(_ context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	f.calls++
	f.prompts = append(f.prompts, text)
	return f.script[i].reply, f.script[i].err
}

func (f *fakeCompleter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func replyWith(reply string) *fakeCompleter {
	return &fakeCompleter{script: []completion{{reply: reply}}}
}

func transientCompletionErr() error {
	return markTransient(errors.Mark(errors.New("503 from completion service"), models.ErrMetadataServiceUnavailable))
}

// fakeContentStore replays scripted Add results; the last one repeats.
type fakeContentStore struct {
	mu     sync.Mutex
	script []completion
	calls  int
	got    []byte
}

func (f *fakeContentStore) Add(_ context.Context, _ string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	f.calls++
	f.got = data
	return f.script[i].reply, f.script[i].err
}

func (f *fakeContentStore) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func storeReturning(cid string) *fakeContentStore {
	return &fakeContentStore{script: []completion{{reply: cid}}}
}

func storeFailing(err error) *fakeContentStore {
	return &fakeContentStore{script: []completion{{err: err}}}
}

// fakeLedger is an in-memory ledger. balanceFn decides the balance returned
// by the nth GetBalance call (1-based).
type fakeLedger struct {
	mu         sync.Mutex
	balanceFn  func(call int, airdropped bool) uint64
	balances   int
	airdrops   int
	sends      int
	sent       []*solana.Transaction
	sendErr    error
	status     *solana.SignatureStatus
	statusErr  error
	statusCall int
}

func fundedLedger() *fakeLedger {
	return &fakeLedger{balanceFn: func(int, bool) uint64 { return 1_000_000_000 }}
}

func (l *fakeLedger) GetBalance(context.Context, solana.PublicKey) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances++
	return l.balanceFn(l.balances, l.airdrops > 0), nil
}

func (l *fakeLedger) RequestAirdrop(context.Context, solana.PublicKey, uint64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.airdrops++
	return "airdrop-sig", nil
}

func (l *fakeLedger) GetLatestBlockhash(context.Context) (solana.Hash, error) {
	return solana.Hash{7}, nil
}

func (l *fakeLedger) SendAndConfirm(_ context.Context, tx *solana.Transaction, _ time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sends++
	l.sent = append(l.sent, tx)
	if l.sendErr != nil {
		return tx.ID(), l.sendErr
	}
	return tx.ID(), nil
}

func (l *fakeLedger) GetSignatureStatus(context.Context, string) (*solana.SignatureStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statusCall++
	return l.status, l.statusErr
}

func testSigner(t *testing.T) *solana.Keypair {
	t.Helper()
	kp, err := solana.GenerateKeypair()
	require.NoError(t, err)
	return kp
}

func fastAnchorConfig() AnchorConfig {
	cfg := DefaultAnchorConfig
	cfg.Airdrop = true
	cfg.FundingPollInterval = time.Millisecond
	cfg.FundingMaxAttempts = 5
	cfg.FundingTimeout = time.Second
	cfg.ConfirmPollInterval = time.Millisecond
	cfg.ConfirmTimeout = time.Second
	return cfg
}

// recordingJournal captures journal calls.
type recordingJournal struct {
	mu        sync.Mutex
	started   []string
	stages    []models.Stage
	completed []*models.IngestResult
	failed    []*models.PipelineError
}

func (j *recordingJournal) Start(_ context.Context, runID string, _ *models.UploadedFile) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.started = append(j.started, runID)
	return nil
}

func (j *recordingJournal) Advance(_ context.Context, _ string, stage models.Stage) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stages = append(j.stages, stage)
	return nil
}

func (j *recordingJournal) Complete(_ context.Context, _ string, result *models.IngestResult) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.completed = append(j.completed, result)
	return nil
}

func (j *recordingJournal) Fail(_ context.Context, _ string, perr *models.PipelineError) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.failed = append(j.failed, perr)
	return nil
}

type recordingHandoff struct {
	mu   sync.Mutex
	reqs []models.IndexHandoffRequest
	err  error
}

func (h *recordingHandoff) Hand(_ context.Context, req models.IndexHandoffRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reqs = append(h.reqs, req)
	return h.err
}

type pipelineFixture struct {
	completer *fakeCompleter
	store     *fakeContentStore
	ledger    *fakeLedger
	catalog   *catalog.Store
	journal   *recordingJournal
	handoff   *recordingHandoff
	pipeline  *Pipeline
}

func newPipelineFixture(t *testing.T, completer *fakeCompleter, store *fakeContentStore, ledger *fakeLedger, cfg PipelineConfig) *pipelineFixture {
	t.Helper()
	cat, err := catalog.Open(context.Background(), filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	fx := &pipelineFixture{
		completer: completer,
		store:     store,
		ledger:    ledger,
		catalog:   cat,
		journal:   &recordingJournal{},
		handoff:   &recordingHandoff{},
	}
	var anchor *ChainAnchor
	if ledger != nil {
		anchor = NewChainAnchor(ledger, testSigner(t), fastAnchorConfig())
	}
	fx.pipeline, err = NewPipeline(
		textextract.New(slog.Default()),
		NewMetadataExtractor(completer, testRetry),
		NewContentAddresser(store, testRetry),
		anchor,
		cat,
		cfg,
		WithJournal(fx.journal),
		WithHandoff(fx.handoff),
	)
	require.NoError(t, err)
	return fx
}

func (fx *pipelineFixture) rows(t *testing.T) []models.CatalogEntry {
	t.Helper()
	all, err := fx.catalog.ListAll(context.Background())
	require.NoError(t, err)
	return all
}
