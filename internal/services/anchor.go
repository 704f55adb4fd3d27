package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/Lllllllleong/documentledger/internal/models"
	"github.com/Lllllllleong/documentledger/internal/solana"
)

// Ledger is the subset of the ledger RPC surface the anchor needs.
// *solana.Client satisfies it.
type Ledger interface {
	GetBalance(ctx context.Context, pub solana.PublicKey) (uint64, error)
	RequestAirdrop(ctx context.Context, pub solana.PublicKey, lamports uint64) (string, error)
	GetLatestBlockhash(ctx context.Context) (solana.Hash, error)
	SendAndConfirm(ctx context.Context, tx *solana.Transaction, pollInterval time.Duration) (string, error)
	GetSignatureStatus(ctx context.Context, sig string) (*solana.SignatureStatus, error)
}

// AnchorConfig tunes funding and confirmation.
type AnchorConfig struct {
	// MinBalance is the lamport balance below which the signer is considered unfunded.
	MinBalance uint64
	// Airdrop enables faucet funding; only test networks support it.
	Airdrop         bool
	AirdropLamports uint64

	FundingPollInterval time.Duration
	FundingMaxAttempts  int
	FundingTimeout      time.Duration

	ConfirmPollInterval time.Duration
	ConfirmTimeout      time.Duration
}

// DefaultAnchorConfig polls for funding every 2s, at most 20 times.
var DefaultAnchorConfig = AnchorConfig{
	MinBalance:          5_000,
	AirdropLamports:     1_000_000_000,
	FundingPollInterval: 2 * time.Second,
	FundingMaxAttempts:  20,
	FundingTimeout:      60 * time.Second,
	ConfirmPollInterval: 500 * time.Millisecond,
	ConfirmTimeout:      60 * time.Second,
}

// ChainAnchor writes a (hash, CID) memo to the ledger with one process-wide signer.
type ChainAnchor struct {
	ledger Ledger
	signer *solana.Keypair
	cfg    AnchorConfig

	// fundMu serializes funding so concurrent runs share one airdrop.
	fundMu sync.Mutex
}

// NewChainAnchor creates an anchor signing with signer.
func NewChainAnchor(ledger Ledger, signer *solana.Keypair, cfg AnchorConfig) *ChainAnchor {
	if cfg.FundingMaxAttempts < 1 {
		cfg.FundingMaxAttempts = DefaultAnchorConfig.FundingMaxAttempts
	}
	if cfg.FundingTimeout <= 0 {
		cfg.FundingTimeout = DefaultAnchorConfig.FundingTimeout
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = DefaultAnchorConfig.ConfirmPollInterval
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultAnchorConfig.ConfirmTimeout
	}
	return &ChainAnchor{ledger: ledger, signer: signer, cfg: cfg}
}

// Signer returns the address anchors are paid from.
func (a *ChainAnchor) Signer() solana.PublicKey {
	return a.signer.PublicKey()
}

// MemoPayload is the instruction data anchoring rec.
func MemoPayload(rec models.FileRecord) string {
	return fmt.Sprintf("hash:%s;cid:%s", rec.FileHash, rec.FileCID)
}

// AnchorRecord funds the signer if needed, then submits one memo transaction
// for rec and waits for confirmation. Errors are marked ErrFundingTimeout or
// ErrAnchorSubmissionFailed. A sent transaction is never resubmitted.
func (a *ChainAnchor) AnchorRecord(ctx context.Context, logCtx *slog.Logger, rec models.FileRecord) (*models.AnchorReceipt, error) {
	logCtx = logCtx.With("signer", a.signer.PublicKey().String())

	if err := a.ensureFunded(ctx, logCtx); err != nil {
		return nil, err
	}

	recent, err := a.ledger.GetLatestBlockhash(ctx)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "fetch latest blockhash"), models.ErrAnchorSubmissionFailed)
	}
	tx, err := solana.BuildMemoTransaction(a.signer, recent, []byte(MemoPayload(rec)))
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "build memo transaction"), models.ErrAnchorSubmissionFailed)
	}
	sig := tx.ID()
	logCtx = logCtx.With("signature", sig)
	logCtx.Info("Submitting anchor transaction.")

	confirmCtx, cancel := context.WithTimeout(ctx, a.cfg.ConfirmTimeout)
	defer cancel()
	if _, err := a.ledger.SendAndConfirm(confirmCtx, tx, a.cfg.ConfirmPollInterval); err != nil {
		if !errors.Is(err, solana.ErrConfirmationTimeout) && !errors.Is(err, solana.ErrSendOutcomeUnknown) {
			return nil, errors.Mark(errors.Wrap(err, "send anchor transaction"), models.ErrAnchorSubmissionFailed)
		}
		// The transaction may have landed after the client gave up, either on
		// the send or while polling. Look once instead of resubmitting.
		if a.landed(ctx, logCtx, sig) {
			logCtx.Warn("Anchor confirmed after client-side timeout.")
			return &models.AnchorReceipt{Signature: sig}, nil
		}
		return nil, errors.Mark(errors.Wrapf(err, "signature %s unconfirmed, not resubmitted", sig), models.ErrAnchorSubmissionFailed)
	}

	logCtx.Info("Anchor transaction confirmed.")
	return &models.AnchorReceipt{Signature: sig}, nil
}

func (a *ChainAnchor) landed(ctx context.Context, logCtx *slog.Logger, sig string) bool {
	queryCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	status, err := a.ledger.GetSignatureStatus(queryCtx, sig)
	if err != nil {
		logCtx.Warn("Signature status query failed.", "error", err)
		return false
	}
	return status != nil && !status.Failed() && status.Confirmed()
}

// ensureFunded checks the signer's balance and, when it is short and airdrops
// are enabled, requests one and waits for it to arrive.
func (a *ChainAnchor) ensureFunded(ctx context.Context, logCtx *slog.Logger) error {
	a.fundMu.Lock()
	defer a.fundMu.Unlock()

	pub := a.signer.PublicKey()
	balance, err := a.ledger.GetBalance(ctx, pub)
	if err == nil && balance >= a.cfg.MinBalance {
		return nil
	}
	if err != nil {
		logCtx.Warn("Balance query failed before funding.", "error", err)
	}
	if !a.cfg.Airdrop {
		return errors.Mark(errors.Newf("signer balance %d below %d and airdrop disabled", balance, a.cfg.MinBalance), models.ErrFundingTimeout)
	}

	logCtx.Info("Requesting airdrop for signer.", "lamports", a.cfg.AirdropLamports, "balance", balance)
	if _, err := a.ledger.RequestAirdrop(ctx, pub, a.cfg.AirdropLamports); err != nil {
		return errors.Mark(errors.Wrap(err, "request airdrop"), models.ErrFundingTimeout)
	}

	attempts, err := a.waitForBalance(ctx, logCtx)
	if err != nil {
		return err
	}
	logCtx.Info("Signer funded.", "attempts", attempts)
	return nil
}

// waitForBalance polls until the balance reaches MinBalance. It stops after
// FundingMaxAttempts queries or FundingTimeout, whichever comes first, and
// reports how many queries it made.
func (a *ChainAnchor) waitForBalance(ctx context.Context, logCtx *slog.Logger) (int, error) {
	pollCtx, cancel := context.WithTimeout(ctx, a.cfg.FundingTimeout)
	defer cancel()

	pub := a.signer.PublicKey()
	var lastBalance uint64
	for attempt := 1; attempt <= a.cfg.FundingMaxAttempts; attempt++ {
		balance, err := a.ledger.GetBalance(pollCtx, pub)
		if err == nil && balance >= a.cfg.MinBalance {
			return attempt, nil
		}
		if err != nil {
			logCtx.Warn("Balance query failed while waiting for funding.", "attempt", attempt, "error", err)
		} else {
			lastBalance = balance
		}
		if attempt == a.cfg.FundingMaxAttempts {
			break
		}

		select {
		case <-time.After(a.cfg.FundingPollInterval):
		case <-pollCtx.Done():
			return attempt, errors.Mark(errors.Wrapf(pollCtx.Err(), "funding not observed after %d balance checks", attempt), models.ErrFundingTimeout)
		}
	}
	return a.cfg.FundingMaxAttempts, errors.Mark(
		errors.Newf("balance %d still below %d after %d checks", lastBalance, a.cfg.MinBalance, a.cfg.FundingMaxAttempts),
		models.ErrFundingTimeout)
}
