package credits

import (
	"context"
	"fmt"
)

// Service contains the domain logic over a Store.
//
// Every mutation runs inside one store transaction, so the read-check-write
// sequence is atomic and concurrent mutations for the same session serialize
// through the transaction boundary. Consume fails closed when no balance row
// exists: a session must be bootstrapped or credited before it can spend.
type Service struct {
	store        Store
	nowFn        func() int64
	initialGrant int64
	logger       OperationLogger
}

// NewService wires a Service. initialGrant is the default total reported for
// (and seeded into) sessions that have no balance row yet.
func NewService(store Store, now func() int64, initialGrant int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if initialGrant < 0 {
		return nil, fmt.Errorf("%w: initial grant must not be negative", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, initialGrant: initialGrant}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the session's balance. Reads are side-effect-free: a session
// without a row gets the configured defaults and no row is created.
func (service *Service) Balance(ctx context.Context, sessionID SessionID) (Balance, error) {
	balance, found, err := service.store.GetBalance(ctx, sessionID)
	if err != nil {
		return Balance{}, err
	}
	if !found {
		return service.defaultBalance(), nil
	}
	return balance, nil
}

// Consume debits amount credits from the session.
//
// Replays of the same idempotency key return the stored outcome without
// mutating. A missing balance row and an insufficient remaining balance both
// yield OK=false with the balance unchanged; only a successful debit records
// the idempotency key, so a retried key may succeed after a later top-up.
func (service *Service) Consume(ctx context.Context, sessionID SessionID, amount Amount, source Source, idempotencyKey IdempotencyKey) (MutationOutcome, error) {
	var outcome MutationOutcome
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		stored, replayed, err := transactionStore.GetOutcome(ctx, idempotencyKey)
		if err != nil {
			return err
		}
		if replayed {
			outcome = stored
			return nil
		}
		balance, found, err := transactionStore.GetBalance(ctx, sessionID)
		if err != nil {
			return err
		}
		if !found {
			// Fail closed: no row means nothing to spend, regardless of
			// the defaults a read would report.
			outcome = MutationOutcome{OK: false, Charged: false, Balance: service.defaultBalance()}
			return nil
		}
		if balance.UsedCredits+amount.Int64() > balance.TotalCredits {
			outcome = MutationOutcome{OK: false, Charged: false, Balance: balance}
			return nil
		}
		updated := Balance{TotalCredits: balance.TotalCredits, UsedCredits: balance.UsedCredits + amount.Int64()}
		if err := transactionStore.SaveBalance(ctx, sessionID, updated); err != nil {
			return err
		}
		outcome = MutationOutcome{OK: true, Charged: true, Balance: updated}
		return transactionStore.PutOutcome(ctx, idempotencyKey, sessionID, source, outcome, service.nowFn())
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationConsume,
		SessionID:      sessionID,
		Amount:         amount.Int64(),
		Source:         source,
		IdempotencyKey: idempotencyKey,
		Outcome:        outcome,
		Error:          operationError,
	})
	return outcome, operationError
}

// Refund returns amount credits to the session by decrementing used, clamped
// at zero. The replay key is derived from the caller's key, so a billing call
// may reuse its consume key and the refund still dedupes independently.
func (service *Service) Refund(ctx context.Context, sessionID SessionID, amount Amount, source Source, idempotencyKey IdempotencyKey) (MutationOutcome, error) {
	var outcome MutationOutcome
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		refundKey, err := deriveIdempotencyKey(idempotencyKey, idempotencySuffixRefund)
		if err != nil {
			return err
		}
		stored, replayed, err := transactionStore.GetOutcome(ctx, refundKey)
		if err != nil {
			return err
		}
		if replayed {
			outcome = stored
			return nil
		}
		balance, found, err := transactionStore.GetBalance(ctx, sessionID)
		if err != nil {
			return err
		}
		if !found {
			outcome = MutationOutcome{OK: false, Charged: false, Balance: service.defaultBalance()}
			return nil
		}
		remainingUsed := balance.UsedCredits - amount.Int64()
		if remainingUsed < 0 {
			remainingUsed = 0
		}
		updated := Balance{TotalCredits: balance.TotalCredits, UsedCredits: remainingUsed}
		charged := updated.UsedCredits != balance.UsedCredits
		if charged {
			if err := transactionStore.SaveBalance(ctx, sessionID, updated); err != nil {
				return err
			}
		}
		outcome = MutationOutcome{OK: true, Charged: charged, Balance: updated}
		return transactionStore.PutOutcome(ctx, refundKey, sessionID, source, outcome, service.nowFn())
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationRefund,
		SessionID:      sessionID,
		Amount:         amount.Int64(),
		Source:         source,
		IdempotencyKey: idempotencyKey,
		Outcome:        outcome,
		Error:          operationError,
	})
	return outcome, operationError
}

// Credit raises the session's total by amount. The balance row is created
// lazily on first mutation, seeded with the initial grant so a purchase never
// forfeits the free allocation a fresh session would have seen.
func (service *Service) Credit(ctx context.Context, sessionID SessionID, amount Amount, source Source, idempotencyKey IdempotencyKey) (MutationOutcome, error) {
	var outcome MutationOutcome
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		stored, replayed, err := transactionStore.GetOutcome(ctx, idempotencyKey)
		if err != nil {
			return err
		}
		if replayed {
			outcome = stored
			return nil
		}
		balance, found, err := transactionStore.GetBalance(ctx, sessionID)
		if err != nil {
			return err
		}
		if !found {
			balance = service.defaultBalance()
		}
		updated := Balance{TotalCredits: balance.TotalCredits + amount.Int64(), UsedCredits: balance.UsedCredits}
		if err := transactionStore.SaveBalance(ctx, sessionID, updated); err != nil {
			return err
		}
		outcome = MutationOutcome{OK: true, Charged: true, Balance: updated}
		return transactionStore.PutOutcome(ctx, idempotencyKey, sessionID, source, outcome, service.nowFn())
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationCredit,
		SessionID:      sessionID,
		Amount:         amount.Int64(),
		Source:         source,
		IdempotencyKey: idempotencyKey,
		Outcome:        outcome,
		Error:          operationError,
	})
	return outcome, operationError
}

// Bootstrap creates the session's balance row with the initial grant if it
// does not exist yet. Safe to call on every session start; the idempotency key
// is derived from the session id.
func (service *Service) Bootstrap(ctx context.Context, sessionID SessionID) (MutationOutcome, error) {
	var outcome MutationOutcome
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		bootstrapKey, err := NewIdempotencyKey(bootstrapKeyPrefix + idempotencyKeyDelimiter + sessionID.String())
		if err != nil {
			return err
		}
		stored, replayed, err := transactionStore.GetOutcome(ctx, bootstrapKey)
		if err != nil {
			return err
		}
		if replayed {
			outcome = stored
			return nil
		}
		source, err := NewSource(sourceBootstrap)
		if err != nil {
			return err
		}
		balance, found, err := transactionStore.GetBalance(ctx, sessionID)
		if err != nil {
			return err
		}
		if found {
			outcome = MutationOutcome{OK: true, Charged: false, Balance: balance}
			return transactionStore.PutOutcome(ctx, bootstrapKey, sessionID, source, outcome, service.nowFn())
		}
		seeded := service.defaultBalance()
		if err := transactionStore.SaveBalance(ctx, sessionID, seeded); err != nil {
			return err
		}
		outcome = MutationOutcome{OK: true, Charged: true, Balance: seeded}
		return transactionStore.PutOutcome(ctx, bootstrapKey, sessionID, source, outcome, service.nowFn())
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationBootstrap,
		SessionID: sessionID,
		Amount:    service.initialGrant,
		Outcome:   outcome,
		Error:     operationError,
	})
	return outcome, operationError
}

func (service *Service) defaultBalance() Balance {
	return Balance{TotalCredits: service.initialGrant, UsedCredits: 0}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func deriveIdempotencyKey(baseKey IdempotencyKey, suffix string) (IdempotencyKey, error) {
	combined := baseKey.String() + idempotencyKeyDelimiter + suffix
	return NewIdempotencyKey(combined)
}
