// Package ledger is the transactional core of the wallet. It owns all
// writes to account balances and the ledger log: every mutation is one
// atomic unit that locks the affected rows, validates, writes balances and
// appends entries, and either commits in full or leaves no trace.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"wallet/internal/commission"
	"wallet/internal/db"
	"wallet/internal/metrics"
	"wallet/internal/money"
	"wallet/internal/store"
	"wallet/internal/websocket"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type AccountStore interface {
	GetForUpdate(ctx context.Context, tx store.Getter, accountID string) (store.Account, error)
	UpdateBalance(ctx context.Context, tx store.Execer, accountID string, balance, expectedVersion int64) error
	GetPlatformAccount(ctx context.Context) (string, error)
}

type LedgerStore interface {
	InsertEntries(ctx context.Context, tx store.Execer, entries []store.LedgerEntryInput) error
}

type TransferStore interface {
	Create(ctx context.Context, tx store.Execer, input store.TransferInput) error
}

type AffiliateStore interface {
	GetForUpdate(ctx context.Context, tx store.Getter, userID string) (store.Affiliate, error)
	AddEarnings(ctx context.Context, tx store.Execer, userID string, amount int64) error
	SettlePending(ctx context.Context, tx store.Execer, userID string, amount int64) (int64, error)
}

type IdempotencyStore interface {
	Get(ctx context.Context, tx store.Getter, key string) (store.IdempotencyRecord, bool, error)
	GetCommitted(ctx context.Context, key string) (store.IdempotencyRecord, bool, error)
	Reserve(ctx context.Context, tx store.Execer, key, requestHash string) error
	Complete(ctx context.Context, tx store.Execer, key string, responseBody []byte) error
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error
}

type EventHub interface {
	BroadcastWalletEvent(userID string, event websocket.WalletEvent)
}

type Engine struct {
	txRunner    db.TxRunner
	accounts    AccountStore
	entries     LedgerStore
	transfers   TransferStore
	affiliates  AffiliateStore
	idempotency IdempotencyStore
	audit       AuditStore
	hub         EventHub
	metrics     *metrics.Metrics
}

func NewEngine(txRunner db.TxRunner, accounts AccountStore, entries LedgerStore, transfers TransferStore, affiliates AffiliateStore, idempotency IdempotencyStore, audit AuditStore, hub EventHub, m *metrics.Metrics) *Engine {
	return &Engine{
		txRunner:    txRunner,
		accounts:    accounts,
		entries:     entries,
		transfers:   transfers,
		affiliates:  affiliates,
		idempotency: idempotency,
		audit:       audit,
		hub:         hub,
		metrics:     m,
	}
}

// Reference ties a ledger entry back to the business object that caused
// it: an order, a P2P transfer, an admin adjustment.
type Reference struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Result is what every operation returns. Replayed is true when the
// response was served from a previously committed idempotency record
// without re-executing side effects.
type Result struct {
	OperationID    string `json:"operation_id"`
	EntryID        string `json:"entry_id,omitempty"`
	TransferID     string `json:"transfer_id,omitempty"`
	NewBalance     int64  `json:"new_balance"`
	Commission     int64  `json:"commission,omitempty"`
	CommissionRate string `json:"commission_rate,omitempty"`
	Replayed       bool   `json:"-"`
}

type CreditRequest struct {
	AccountID      string
	Amount         int64
	Type           string
	Reference      Reference
	ActorID        string
	IdempotencyKey *string
}

type DebitRequest struct {
	AccountID      string
	Amount         int64
	Type           string
	Reference      Reference
	ActorID        string
	IdempotencyKey *string
}

type TransferRequest struct {
	SenderAccountID    string
	RecipientAccountID string
	Amount             int64
	Message            string
	IdempotencyKey     *string
}

type PurchaseRequest struct {
	BuyerAccountID    string
	Amount            int64
	SellerAccountID   *string
	ReferrerAccountID *string
	Reference         Reference
	IdempotencyKey    *string
}

type PayoutRequest struct {
	AffiliateUserID string
	Amount          int64
	ActorID         string
	IdempotencyKey  *string
}

var creditTypes = map[string]bool{
	store.EntryDeposit:    true,
	store.EntryRefund:     true,
	store.EntryCommission: true,
	store.EntryReward:     true,
}

var debitTypes = map[string]bool{
	store.EntryWithdraw: true,
	store.EntryPayment:  true,
}

// Credit increases a balance against the platform treasury. The treasury
// leg keeps every operation's entries summing to zero; the treasury row is
// the one account allowed to go negative, since value entering user
// balances originates outside the ledger.
func (e *Engine) Credit(ctx context.Context, req CreditRequest) (Result, error) {
	start := time.Now()
	result, err := e.creditDebit(ctx, "credit", req.AccountID, req.Amount, req.Type, req.Reference, req.ActorID, req.IdempotencyKey, false)
	e.metrics.Observe("credit", start, err)
	return result, err
}

// Debit decreases a balance. The insufficient-funds check runs under the
// account's row lock, in the same atomic unit as the write.
func (e *Engine) Debit(ctx context.Context, req DebitRequest) (Result, error) {
	start := time.Now()
	result, err := e.creditDebit(ctx, "debit", req.AccountID, req.Amount, req.Type, req.Reference, req.ActorID, req.IdempotencyKey, true)
	e.metrics.Observe("debit", start, err)
	return result, err
}

func (e *Engine) creditDebit(ctx context.Context, op, accountID string, amount int64, entryType string, ref Reference, actorID string, idemKey *string, isDebit bool) (Result, error) {
	if amount <= 0 {
		return Result{}, ErrInvalidAmount
	}
	if isDebit && !debitTypes[entryType] {
		return Result{}, ErrInvalidEntryType
	}
	if !isDebit && !creditTypes[entryType] {
		return Result{}, ErrInvalidEntryType
	}
	platformID, err := e.accounts.GetPlatformAccount(ctx)
	if err != nil {
		return Result{}, err
	}
	if accountID == platformID {
		return Result{}, ErrAccountNotFound
	}
	reqHash := requestHash(op, accountID, amount, entryType, ref.Type, ref.ID)

	var result Result
	var eventUser string
	err = e.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		replay, err := e.claimKey(ctx, tx, op, idemKey, reqHash)
		if err != nil {
			return err
		}
		if replay != nil {
			result = *replay
			return nil
		}
		locked, err := e.lockAccounts(ctx, tx, accountID, platformID)
		if err != nil {
			return err
		}
		account := locked[accountID]
		platform := locked[platformID]
		if account.UserID != nil {
			eventUser = *account.UserID
		}

		delta := amount
		if isDebit {
			delta = -amount
			if account.Balance-amount < 0 {
				return ErrInsufficientFunds
			}
		}
		newBalance := account.Balance + delta
		if err := e.accounts.UpdateBalance(ctx, tx, account.ID, newBalance, account.Version); err != nil {
			return mapVersionConflict(err)
		}
		if err := e.accounts.UpdateBalance(ctx, tx, platform.ID, platform.Balance-delta, platform.Version); err != nil {
			return mapVersionConflict(err)
		}

		operationID := uuid.NewString()
		entryID := uuid.NewString()
		legs := []store.LedgerEntryInput{
			{
				ID:             entryID,
				OperationID:    operationID,
				AccountID:      account.ID,
				Type:           entryType,
				Amount:         delta,
				BalanceBefore:  account.Balance,
				BalanceAfter:   newBalance,
				CounterpartyID: &platform.ID,
				ReferenceType:  ref.Type,
				ReferenceID:    ref.ID,
				Status:         store.StatusCompleted,
				Metadata:       "{}",
			},
			{
				ID:             uuid.NewString(),
				OperationID:    operationID,
				AccountID:      platform.ID,
				Type:           entryType,
				Amount:         -delta,
				BalanceBefore:  platform.Balance,
				BalanceAfter:   platform.Balance - delta,
				CounterpartyID: &account.ID,
				ReferenceType:  ref.Type,
				ReferenceID:    ref.ID,
				Status:         store.StatusCompleted,
				Metadata:       "{}",
			},
		}
		if err := ensureBalanced(legs); err != nil {
			return err
		}
		if err := e.entries.InsertEntries(ctx, tx, legs); err != nil {
			return err
		}
		data, _ := json.Marshal(map[string]string{
			"reference_type": ref.Type,
			"reference_id":   ref.ID,
		})
		if err := e.audit.Log(ctx, tx, actorID, op, "ledger_entry", entryID, string(data)); err != nil {
			return err
		}
		result = Result{
			OperationID: operationID,
			EntryID:     entryID,
			NewBalance:  newBalance,
		}
		return e.storeResult(ctx, tx, op, idemKey, result)
	})
	if err != nil {
		prior, perr := e.replayAfterLostReserve(ctx, op, idemKey, reqHash, err)
		if perr != nil {
			return Result{}, perr
		}
		if prior == nil {
			return Result{}, err
		}
		result = *prior
	}
	if !result.Replayed && eventUser != "" {
		e.hub.BroadcastWalletEvent(eventUser, websocket.WalletEvent{
			AccountID: accountID,
			Balance:   money.FormatAmount(result.NewBalance),
			EntryType: entryType,
			Reference: ref.Type + ":" + ref.ID,
		})
	}
	return result, nil
}

// Transfer moves value between two user balances: exactly one debit and
// one credit entry, or nothing. Both rows are locked in lexicographic id
// order so crossing transfers cannot deadlock.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (Result, error) {
	start := time.Now()
	result, err := e.transfer(ctx, req)
	e.metrics.Observe("transfer", start, err)
	return result, err
}

func (e *Engine) transfer(ctx context.Context, req TransferRequest) (Result, error) {
	if req.Amount <= 0 {
		return Result{}, ErrInvalidAmount
	}
	if req.SenderAccountID == req.RecipientAccountID {
		return Result{}, ErrSelfTransfer
	}
	reqHash := requestHash("transfer", req.SenderAccountID, req.Amount, req.RecipientAccountID, req.Message, "")

	var result Result
	var senderUser, recipientUser string
	var recipientBalance int64
	err := e.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		replay, err := e.claimKey(ctx, tx, "transfer", req.IdempotencyKey, reqHash)
		if err != nil {
			return err
		}
		if replay != nil {
			result = *replay
			return nil
		}
		locked, err := e.lockAccounts(ctx, tx, req.SenderAccountID, req.RecipientAccountID)
		if err != nil {
			return err
		}
		sender := locked[req.SenderAccountID]
		recipient := locked[req.RecipientAccountID]
		if sender.UserID != nil {
			senderUser = *sender.UserID
		}
		if recipient.UserID != nil {
			recipientUser = *recipient.UserID
		}
		if sender.Balance-req.Amount < 0 {
			return ErrInsufficientFunds
		}
		newSender := sender.Balance - req.Amount
		newRecipient := recipient.Balance + req.Amount
		recipientBalance = newRecipient
		if err := e.accounts.UpdateBalance(ctx, tx, sender.ID, newSender, sender.Version); err != nil {
			return mapVersionConflict(err)
		}
		if err := e.accounts.UpdateBalance(ctx, tx, recipient.ID, newRecipient, recipient.Version); err != nil {
			return mapVersionConflict(err)
		}

		operationID := uuid.NewString()
		transferID := uuid.NewString()
		if err := e.transfers.Create(ctx, tx, store.TransferInput{
			ID:                 transferID,
			SenderAccountID:    sender.ID,
			RecipientAccountID: recipient.ID,
			Amount:             req.Amount,
			Message:            req.Message,
			Status:             store.StatusCompleted,
		}); err != nil {
			return err
		}
		outID := uuid.NewString()
		legs := []store.LedgerEntryInput{
			{
				ID:             outID,
				OperationID:    operationID,
				AccountID:      sender.ID,
				Type:           store.EntryTransferOut,
				Amount:         -req.Amount,
				BalanceBefore:  sender.Balance,
				BalanceAfter:   newSender,
				CounterpartyID: &recipient.ID,
				ReferenceType:  "transfer",
				ReferenceID:    transferID,
				Status:         store.StatusCompleted,
				Metadata:       "{}",
			},
			{
				ID:             uuid.NewString(),
				OperationID:    operationID,
				AccountID:      recipient.ID,
				Type:           store.EntryTransferIn,
				Amount:         req.Amount,
				BalanceBefore:  recipient.Balance,
				BalanceAfter:   newRecipient,
				CounterpartyID: &sender.ID,
				ReferenceType:  "transfer",
				ReferenceID:    transferID,
				Status:         store.StatusCompleted,
				Metadata:       "{}",
			},
		}
		if err := ensureBalanced(legs); err != nil {
			return err
		}
		if err := e.entries.InsertEntries(ctx, tx, legs); err != nil {
			return err
		}
		data, _ := json.Marshal(map[string]string{
			"recipient_account_id": recipient.ID,
			"amount":               money.FormatAmount(req.Amount),
		})
		if err := e.audit.Log(ctx, tx, senderUser, "transfer", "transfer", transferID, string(data)); err != nil {
			return err
		}
		result = Result{
			OperationID: operationID,
			EntryID:     outID,
			TransferID:  transferID,
			NewBalance:  newSender,
		}
		return e.storeResult(ctx, tx, "transfer", req.IdempotencyKey, result)
	})
	if err != nil {
		prior, perr := e.replayAfterLostReserve(ctx, "transfer", req.IdempotencyKey, reqHash, err)
		if perr != nil {
			return Result{}, perr
		}
		if prior == nil {
			return Result{}, err
		}
		result = *prior
	}
	if !result.Replayed {
		if senderUser != "" {
			e.hub.BroadcastWalletEvent(senderUser, websocket.WalletEvent{
				AccountID: req.SenderAccountID,
				Balance:   money.FormatAmount(result.NewBalance),
				EntryType: store.EntryTransferOut,
				Reference: "transfer:" + result.TransferID,
			})
		}
		if recipientUser != "" {
			e.hub.BroadcastWalletEvent(recipientUser, websocket.WalletEvent{
				AccountID: req.RecipientAccountID,
				Balance:   money.FormatAmount(recipientBalance),
				EntryType: store.EntryTransferIn,
				Reference: "transfer:" + result.TransferID,
			})
		}
	}
	return result, nil
}

// PurchaseWithSplit debits the buyer and splits the proceeds: commission
// to the referrer at their pre-transaction tier rate, remainder to the
// seller (or the treasury when there is no seller). All legs are one
// atomic unit.
func (e *Engine) PurchaseWithSplit(ctx context.Context, req PurchaseRequest) (Result, error) {
	start := time.Now()
	result, err := e.purchase(ctx, req)
	e.metrics.Observe("purchase", start, err)
	return result, err
}

func (e *Engine) purchase(ctx context.Context, req PurchaseRequest) (Result, error) {
	if req.Amount <= 0 {
		return Result{}, ErrInvalidAmount
	}
	platformID, err := e.accounts.GetPlatformAccount(ctx)
	if err != nil {
		return Result{}, err
	}
	payeeID := platformID
	if req.SellerAccountID != nil {
		payeeID = *req.SellerAccountID
	}
	if payeeID == req.BuyerAccountID {
		return Result{}, ErrSelfTransfer
	}
	// Self-referral earns nothing: a referrer matching the buyer or the
	// payee would route commission back into the purchase itself.
	referrerID := ""
	if req.ReferrerAccountID != nil && *req.ReferrerAccountID != req.BuyerAccountID && *req.ReferrerAccountID != payeeID {
		referrerID = *req.ReferrerAccountID
	}
	reqHash := requestHash("purchase", req.BuyerAccountID, req.Amount, payeeID, referrerID, req.Reference.ID)

	var result Result
	var buyerUser, referrerUser string
	err = e.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		replay, err := e.claimKey(ctx, tx, "purchase", req.IdempotencyKey, reqHash)
		if err != nil {
			return err
		}
		if replay != nil {
			result = *replay
			return nil
		}
		ids := []string{req.BuyerAccountID, payeeID}
		if referrerID != "" {
			ids = append(ids, referrerID)
		}
		locked, err := e.lockAccounts(ctx, tx, ids...)
		if err != nil {
			return err
		}
		buyer := locked[req.BuyerAccountID]
		payee := locked[payeeID]
		if buyer.UserID != nil {
			buyerUser = *buyer.UserID
		}
		if buyer.Balance-req.Amount < 0 {
			return ErrInsufficientFunds
		}

		// Commission is computed from the affiliate's lifetime earnings
		// as they stand before this transaction; the earnings bump below
		// only affects the next purchase.
		commissionAmount := int64(0)
		rateApplied := ""
		tierApplied := ""
		if referrerID != "" {
			referrer := locked[referrerID]
			if referrer.UserID == nil {
				return ErrRecipientNotFound
			}
			referrerUser = *referrer.UserID
			affiliate, err := e.affiliates.GetForUpdate(ctx, tx, referrerUser)
			if err != nil {
				if err == sql.ErrNoRows {
					return ErrRecipientNotFound
				}
				return err
			}
			if affiliate.Status == store.AffiliateActive {
				tier := commission.ComputeTier(affiliate.LifetimeEarnings)
				commissionAmount = commission.Amount(req.Amount, tier.Rate)
				rateApplied = tier.Rate.String()
				tierApplied = tier.Name
			}
		}

		operationID := uuid.NewString()
		buyerEntryID := uuid.NewString()
		newBuyer := buyer.Balance - req.Amount
		if err := e.accounts.UpdateBalance(ctx, tx, buyer.ID, newBuyer, buyer.Version); err != nil {
			return mapVersionConflict(err)
		}
		legs := []store.LedgerEntryInput{{
			ID:             buyerEntryID,
			OperationID:    operationID,
			AccountID:      buyer.ID,
			Type:           store.EntryPayment,
			Amount:         -req.Amount,
			BalanceBefore:  buyer.Balance,
			BalanceAfter:   newBuyer,
			CounterpartyID: &payee.ID,
			ReferenceType:  req.Reference.Type,
			ReferenceID:    req.Reference.ID,
			Status:         store.StatusCompleted,
			Metadata:       "{}",
		}}

		if commissionAmount > 0 {
			referrer := locked[referrerID]
			newReferrer := referrer.Balance + commissionAmount
			if err := e.accounts.UpdateBalance(ctx, tx, referrer.ID, newReferrer, referrer.Version); err != nil {
				return mapVersionConflict(err)
			}
			if err := e.affiliates.AddEarnings(ctx, tx, referrerUser, commissionAmount); err != nil {
				return err
			}
			meta, _ := json.Marshal(map[string]string{
				"rate": rateApplied,
				"tier": tierApplied,
			})
			legs = append(legs, store.LedgerEntryInput{
				ID:             uuid.NewString(),
				OperationID:    operationID,
				AccountID:      referrer.ID,
				Type:           store.EntryCommission,
				Amount:         commissionAmount,
				BalanceBefore:  referrer.Balance,
				BalanceAfter:   newReferrer,
				CounterpartyID: &buyer.ID,
				ReferenceType:  req.Reference.Type,
				ReferenceID:    req.Reference.ID,
				Status:         store.StatusCompleted,
				Metadata:       string(meta),
			})
		}

		remainder := req.Amount - commissionAmount
		newPayee := payee.Balance + remainder
		if err := e.accounts.UpdateBalance(ctx, tx, payee.ID, newPayee, payee.Version); err != nil {
			return mapVersionConflict(err)
		}
		legs = append(legs, store.LedgerEntryInput{
			ID:             uuid.NewString(),
			OperationID:    operationID,
			AccountID:      payee.ID,
			Type:           store.EntryPayment,
			Amount:         remainder,
			BalanceBefore:  payee.Balance,
			BalanceAfter:   newPayee,
			CounterpartyID: &buyer.ID,
			ReferenceType:  req.Reference.Type,
			ReferenceID:    req.Reference.ID,
			Status:         store.StatusCompleted,
			Metadata:       "{}",
		})
		if err := ensureBalanced(legs); err != nil {
			return err
		}
		if err := e.entries.InsertEntries(ctx, tx, legs); err != nil {
			return err
		}
		data, _ := json.Marshal(map[string]string{
			"reference_type": req.Reference.Type,
			"reference_id":   req.Reference.ID,
			"commission":     money.FormatAmount(commissionAmount),
		})
		if err := e.audit.Log(ctx, tx, buyerUser, "purchase", "ledger_entry", buyerEntryID, string(data)); err != nil {
			return err
		}
		result = Result{
			OperationID:    operationID,
			EntryID:        buyerEntryID,
			NewBalance:     newBuyer,
			Commission:     commissionAmount,
			CommissionRate: rateApplied,
		}
		return e.storeResult(ctx, tx, "purchase", req.IdempotencyKey, result)
	})
	if err != nil {
		prior, perr := e.replayAfterLostReserve(ctx, "purchase", req.IdempotencyKey, reqHash, err)
		if perr != nil {
			return Result{}, perr
		}
		if prior == nil {
			return Result{}, err
		}
		result = *prior
	}
	if !result.Replayed {
		if buyerUser != "" {
			e.hub.BroadcastWalletEvent(buyerUser, websocket.WalletEvent{
				AccountID: req.BuyerAccountID,
				Balance:   money.FormatAmount(result.NewBalance),
				EntryType: store.EntryPayment,
				Reference: req.Reference.Type + ":" + req.Reference.ID,
			})
		}
		if referrerUser != "" && result.Commission > 0 {
			e.hub.BroadcastWalletEvent(referrerUser, websocket.WalletEvent{
				AccountID: referrerID,
				EntryType: store.EntryCommission,
				Reference: req.Reference.Type + ":" + req.Reference.ID,
			})
		}
	}
	return result, nil
}

// PayoutAffiliate settles earned commission on the affiliate's books:
// pending drops, paid rises. The commission already landed on the wallet
// when the purchase's commission leg committed, so settlement moves no
// money and appends no ledger entries.
func (e *Engine) PayoutAffiliate(ctx context.Context, req PayoutRequest) (Result, error) {
	start := time.Now()
	result, err := e.payout(ctx, req)
	e.metrics.Observe("payout", start, err)
	return result, err
}

func (e *Engine) payout(ctx context.Context, req PayoutRequest) (Result, error) {
	if req.Amount <= 0 {
		return Result{}, ErrInvalidAmount
	}
	reqHash := requestHash("payout", req.AffiliateUserID, req.Amount)

	var result Result
	err := e.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		replay, err := e.claimKey(ctx, tx, "payout", req.IdempotencyKey, reqHash)
		if err != nil {
			return err
		}
		if replay != nil {
			result = *replay
			return nil
		}
		affiliate, err := e.affiliates.GetForUpdate(ctx, tx, req.AffiliateUserID)
		if err != nil {
			if err == sql.ErrNoRows {
				return ErrAccountNotFound
			}
			return err
		}
		if affiliate.PendingEarnings < req.Amount {
			return ErrInsufficientFunds
		}
		settled, err := e.affiliates.SettlePending(ctx, tx, req.AffiliateUserID, req.Amount)
		if err != nil {
			return err
		}
		if settled == 0 {
			return ErrConcurrencyConflict
		}
		operationID := uuid.NewString()
		data, _ := json.Marshal(map[string]any{
			"affiliate_user_id": req.AffiliateUserID,
			"amount":            req.Amount,
		})
		if err := e.audit.Log(ctx, tx, req.ActorID, "affiliate_payout", "affiliate", req.AffiliateUserID, string(data)); err != nil {
			return err
		}
		result = Result{
			OperationID: operationID,
			Commission:  req.Amount,
		}
		return e.storeResult(ctx, tx, "payout", req.IdempotencyKey, result)
	})
	if err != nil {
		prior, perr := e.replayAfterLostReserve(ctx, "payout", req.IdempotencyKey, reqHash, err)
		if perr != nil {
			return Result{}, perr
		}
		if prior == nil {
			return Result{}, err
		}
		result = *prior
	}
	return result, nil
}

// Lookup reconciles an operation whose outcome the caller never observed
// (timeout, crashed connection). It only ever reads: a missing record
// means the operation did not commit and is safe to resubmit unchanged.
func (e *Engine) Lookup(ctx context.Context, opType, key string) (Result, bool, error) {
	record, found, err := e.idempotency.GetCommitted(ctx, scopedKey(opType, key))
	if err != nil || !found {
		return Result{}, false, err
	}
	var result Result
	if err := json.Unmarshal(record.ResponseBody, &result); err != nil {
		return Result{}, false, err
	}
	result.Replayed = true
	return result, true, nil
}

// claimKey resolves the idempotency protocol inside the operation's
// transaction. Returns a non-nil Result when a committed record exists for
// the same payload; reserving the key for a fresh execution otherwise.
func (e *Engine) claimKey(ctx context.Context, tx *sqlx.Tx, opType string, key *string, reqHash string) (*Result, error) {
	if key == nil || *key == "" {
		return nil, nil
	}
	scoped := scopedKey(opType, *key)
	record, found, err := e.idempotency.Get(ctx, tx, scoped)
	if err != nil {
		return nil, err
	}
	if found {
		if record.RequestHash != reqHash {
			return nil, ErrIdempotencyMismatch
		}
		if record.Status != store.IdempotencyCompleted {
			return nil, ErrOperationInProgress
		}
		var prior Result
		if err := json.Unmarshal(record.ResponseBody, &prior); err != nil {
			return nil, err
		}
		prior.Replayed = true
		return &prior, nil
	}
	if err := e.idempotency.Reserve(ctx, tx, scoped, reqHash); err != nil {
		if errors.Is(err, store.ErrKeyInProgress) {
			return nil, ErrOperationInProgress
		}
		return nil, err
	}
	return nil, nil
}

// replayAfterLostReserve covers the duplicate that lost the key-insert
// race to a writer that had already committed: the in-transaction claim
// saw neither a record nor a free slot. The committed result is readable
// outside the failed transaction, so serve it instead of bouncing the
// caller into a retry.
func (e *Engine) replayAfterLostReserve(ctx context.Context, opType string, key *string, reqHash string, opErr error) (*Result, error) {
	if !errors.Is(opErr, ErrOperationInProgress) || key == nil || *key == "" {
		return nil, nil
	}
	record, found, err := e.idempotency.GetCommitted(ctx, scopedKey(opType, *key))
	if err != nil || !found {
		return nil, nil
	}
	if record.RequestHash != reqHash {
		return nil, ErrIdempotencyMismatch
	}
	var prior Result
	if err := json.Unmarshal(record.ResponseBody, &prior); err != nil {
		return nil, err
	}
	prior.Replayed = true
	return &prior, nil
}

func (e *Engine) storeResult(ctx context.Context, tx *sqlx.Tx, opType string, key *string, result Result) error {
	if key == nil || *key == "" {
		return nil
	}
	body, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return e.idempotency.Complete(ctx, tx, scopedKey(opType, *key), body)
}

// lockAccounts acquires FOR UPDATE locks in lexicographic id order; every
// operation that touches more than one account goes through here so lock
// order is globally consistent.
func (e *Engine) lockAccounts(ctx context.Context, tx *sqlx.Tx, ids ...string) (map[string]store.Account, error) {
	ordered := append([]string(nil), ids...)
	sort.Strings(ordered)
	locked := make(map[string]store.Account, len(ordered))
	for _, id := range ordered {
		if _, done := locked[id]; done {
			continue
		}
		account, err := e.accounts.GetForUpdate(ctx, tx, id)
		if err != nil {
			if err == sql.ErrNoRows {
				if id == ids[0] {
					return nil, ErrAccountNotFound
				}
				return nil, ErrRecipientNotFound
			}
			return nil, err
		}
		locked[id] = account
	}
	return locked, nil
}

func ensureBalanced(entries []store.LedgerEntryInput) error {
	var sum int64
	for _, entry := range entries {
		if entry.BalanceAfter != entry.BalanceBefore+entry.Amount {
			return fmt.Errorf("entry %s snapshot does not match amount", entry.ID)
		}
		sum += entry.Amount
	}
	if sum != 0 {
		return fmt.Errorf("ledger entries are not balanced: sum=%d", sum)
	}
	return nil
}

func mapVersionConflict(err error) error {
	if errors.Is(err, store.ErrVersionConflict) {
		return ErrConcurrencyConflict
	}
	return err
}

func scopedKey(opType, key string) string {
	return opType + ":" + key
}

func requestHash(parts ...any) string {
	sum := sha256.Sum256([]byte(fmt.Sprintln(parts...)))
	return hex.EncodeToString(sum[:])
}
