package credits

import (
	"context"
	"testing"
)

type stubStore struct {
	balances map[string]Balance
	outcomes map[string]MutationOutcome

	getBalanceError  error
	saveBalanceError error
	getOutcomeError  error
	putOutcomeError  error
	pruneError       error
	prunedBefore     int64
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		balances: make(map[string]Balance),
		outcomes: make(map[string]MutationOutcome),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetBalance(_ context.Context, sessionID SessionID) (Balance, bool, error) {
	if store.getBalanceError != nil {
		return Balance{}, false, store.getBalanceError
	}
	balance, found := store.balances[sessionID.String()]
	return balance, found, nil
}

func (store *stubStore) SaveBalance(_ context.Context, sessionID SessionID, balance Balance) error {
	if store.saveBalanceError != nil {
		return store.saveBalanceError
	}
	store.balances[sessionID.String()] = balance
	return nil
}

func (store *stubStore) GetOutcome(_ context.Context, key IdempotencyKey) (MutationOutcome, bool, error) {
	if store.getOutcomeError != nil {
		return MutationOutcome{}, false, store.getOutcomeError
	}
	outcome, found := store.outcomes[key.String()]
	return outcome, found, nil
}

func (store *stubStore) PutOutcome(_ context.Context, key IdempotencyKey, _ SessionID, _ Source, outcome MutationOutcome, _ int64) error {
	if store.putOutcomeError != nil {
		return store.putOutcomeError
	}
	store.outcomes[key.String()] = outcome
	return nil
}

func (store *stubStore) PruneOutcomes(_ context.Context, beforeUnixUTC int64) (int64, error) {
	if store.pruneError != nil {
		return 0, store.pruneError
	}
	store.prunedBefore = beforeUnixUTC
	return int64(len(store.outcomes)), nil
}

func mustNewService(test *testing.T, store Store, initialGrant int64, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1_700_000_000 }, initialGrant, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustSessionID(test *testing.T, raw string) SessionID {
	test.Helper()
	sessionID, err := NewSessionID(raw)
	if err != nil {
		test.Fatalf("session id %q: %v", raw, err)
	}
	return sessionID
}

func mustSource(test *testing.T, raw string) Source {
	test.Helper()
	source, err := NewSource(raw)
	if err != nil {
		test.Fatalf("source %q: %v", raw, err)
	}
	return source
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key %q: %v", raw, err)
	}
	return key
}

func mustAmount(test *testing.T, raw int64) Amount {
	test.Helper()
	amount, err := NewAmount(raw)
	if err != nil {
		test.Fatalf("amount %d: %v", raw, err)
	}
	return amount
}

func seedBalance(test *testing.T, store *stubStore, sessionID SessionID, total int64, used int64) {
	test.Helper()
	balance, err := NewBalance(total, used)
	if err != nil {
		test.Fatalf("seed balance: %v", err)
	}
	store.balances[sessionID.String()] = balance
}

func TestConsumeDebitsBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, 20)
	sessionID := mustSessionID(test, "s1")
	seedBalance(test, store, sessionID, 20, 0)

	outcome, err := service.Consume(context.Background(), sessionID, mustAmount(test, 1), mustSource(test, "translation"), mustIdempotencyKey(test, "req-1"))
	if err != nil {
		test.Fatalf("consume: %v", err)
	}
	if !outcome.OK || !outcome.Charged {
		test.Fatalf("expected ok charged outcome, got %+v", outcome)
	}
	if outcome.Balance.Remaining() != 19 {
		test.Fatalf("expected remaining 19, got %d", outcome.Balance.Remaining())
	}
}

func TestConsumeReplayReturnsStoredOutcome(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, 20)
	sessionID := mustSessionID(test, "s1")
	seedBalance(test, store, sessionID, 20, 0)
	amount := mustAmount(test, 1)
	source := mustSource(test, "translation")
	key := mustIdempotencyKey(test, "req-1")

	first, err := service.Consume(context.Background(), sessionID, amount, source, key)
	if err != nil {
		test.Fatalf("first consume: %v", err)
	}
	second, err := service.Consume(context.Background(), sessionID, amount, source, key)
	if err != nil {
		test.Fatalf("second consume: %v", err)
	}
	if second != first {
		test.Fatalf("expected replay outcome %+v, got %+v", first, second)
	}
	if store.balances[sessionID.String()].UsedCredits != 1 {
		test.Fatalf("expected a single debit, used=%d", store.balances[sessionID.String()].UsedCredits)
	}
}

func TestConsumeInsufficientBalanceLeavesBalanceUnchanged(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, 20)
	sessionID := mustSessionID(test, "s1")
	seedBalance(test, store, sessionID, 20, 1)

	outcome, err := service.Consume(context.Background(), sessionID, mustAmount(test, 25), mustSource(test, "translation"), mustIdempotencyKey(test, "req-2"))
	if err != nil {
		test.Fatalf("consume: %v", err)
	}
	if outcome.OK || outcome.Charged {
		test.Fatalf("expected rejected outcome, got %+v", outcome)
	}
	if outcome.Balance.Remaining() != 19 {
		test.Fatalf("expected remaining 19, got %d", outcome.Balance.Remaining())
	}
	if store.balances[sessionID.String()].UsedCredits != 1 {
		test.Fatalf("balance mutated on rejection: %+v", store.balances[sessionID.String()])
	}
	if len(store.outcomes) != 0 {
		test.Fatalf("rejected consume must not record its key, got %d records", len(store.outcomes))
	}
}

func TestConsumeFailsClosedWithoutBalanceRow(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, 20)
	sessionID := mustSessionID(test, "fresh")

	outcome, err := service.Consume(context.Background(), sessionID, mustAmount(test, 1), mustSource(test, "translation"), mustIdempotencyKey(test, "req-3"))
	if err != nil {
		test.Fatalf("consume: %v", err)
	}
	if outcome.OK || outcome.Charged {
		test.Fatalf("expected fail-closed outcome, got %+v", outcome)
	}
	if outcome.Balance.TotalCredits != 20 || outcome.Balance.UsedCredits != 0 {
		test.Fatalf("expected default balance, got %+v", outcome.Balance)
	}
	if _, exists := store.balances[sessionID.String()]; exists {
		test.Fatalf("fail-closed consume must not create a row")
	}
}

func TestRefundClampsUsedAtZero(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, 20)
	sessionID := mustSessionID(test, "s1")
	seedBalance(test, store, sessionID, 20, 2)
	amount := mustAmount(test, 5)
	source := mustSource(test, "translation_refund")

	first, err := service.Refund(context.Background(), sessionID, amount, source, mustIdempotencyKey(test, "req-a"))
	if err != nil {
		test.Fatalf("first refund: %v", err)
	}
	if !first.OK || first.Balance.UsedCredits != 0 {
		test.Fatalf("expected used clamped to 0, got %+v", first)
	}
	second, err := service.Refund(context.Background(), sessionID, amount, source, mustIdempotencyKey(test, "req-b"))
	if err != nil {
		test.Fatalf("second refund: %v", err)
	}
	if second.Balance.UsedCredits != 0 || second.Charged {
		test.Fatalf("repeated refund drove used below zero: %+v", second)
	}
}

func TestRefundReplaySkipsSecondDecrement(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, 20)
	sessionID := mustSessionID(test, "s1")
	seedBalance(test, store, sessionID, 20, 4)
	amount := mustAmount(test, 2)
	source := mustSource(test, "translation_refund")
	key := mustIdempotencyKey(test, "req-1")

	first, err := service.Refund(context.Background(), sessionID, amount, source, key)
	if err != nil {
		test.Fatalf("first refund: %v", err)
	}
	second, err := service.Refund(context.Background(), sessionID, amount, source, key)
	if err != nil {
		test.Fatalf("second refund: %v", err)
	}
	if second != first {
		test.Fatalf("expected replay outcome %+v, got %+v", first, second)
	}
	if store.balances[sessionID.String()].UsedCredits != 2 {
		test.Fatalf("expected a single decrement, used=%d", store.balances[sessionID.String()].UsedCredits)
	}
}

func TestRefundKeyDoesNotCollideWithConsumeKey(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, 20)
	sessionID := mustSessionID(test, "s1")
	seedBalance(test, store, sessionID, 20, 0)
	amount := mustAmount(test, 1)
	key := mustIdempotencyKey(test, "req-1")

	if _, err := service.Consume(context.Background(), sessionID, amount, mustSource(test, "translation"), key); err != nil {
		test.Fatalf("consume: %v", err)
	}
	outcome, err := service.Refund(context.Background(), sessionID, amount, mustSource(test, "translation_refund"), key)
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if !outcome.Charged || outcome.Balance.UsedCredits != 0 {
		test.Fatalf("refund with the consume key must still apply, got %+v", outcome)
	}
}

func TestCreditCreatesRowLazilyWithInitialGrant(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, 20)
	sessionID := mustSessionID(test, "fresh")

	outcome, err := service.Credit(context.Background(), sessionID, mustAmount(test, 50), mustSource(test, "purchase"), mustIdempotencyKey(test, "cs_123"))
	if err != nil {
		test.Fatalf("credit: %v", err)
	}
	if !outcome.OK || !outcome.Charged {
		test.Fatalf("expected charged outcome, got %+v", outcome)
	}
	if outcome.Balance.TotalCredits != 70 || outcome.Balance.UsedCredits != 0 {
		test.Fatalf("expected initial grant plus credit, got %+v", outcome.Balance)
	}
}

func TestCreditReplayCreditsOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, 0)
	sessionID := mustSessionID(test, "s1")
	seedBalance(test, store, sessionID, 20, 3)
	amount := mustAmount(test, 50)
	source := mustSource(test, "purchase")
	key := mustIdempotencyKey(test, "cs_123")

	first, err := service.Credit(context.Background(), sessionID, amount, source, key)
	if err != nil {
		test.Fatalf("first credit: %v", err)
	}
	second, err := service.Credit(context.Background(), sessionID, amount, source, key)
	if err != nil {
		test.Fatalf("second credit: %v", err)
	}
	if second != first {
		test.Fatalf("expected replay outcome %+v, got %+v", first, second)
	}
	if store.balances[sessionID.String()].TotalCredits != 70 {
		test.Fatalf("expected a single credit, total=%d", store.balances[sessionID.String()].TotalCredits)
	}
}

func TestBootstrapSeedsFreshSessionOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, 20)
	sessionID := mustSessionID(test, "fresh")

	first, err := service.Bootstrap(context.Background(), sessionID)
	if err != nil {
		test.Fatalf("first bootstrap: %v", err)
	}
	if !first.OK || !first.Charged || first.Balance.TotalCredits != 20 {
		test.Fatalf("expected seeded balance, got %+v", first)
	}
	second, err := service.Bootstrap(context.Background(), sessionID)
	if err != nil {
		test.Fatalf("second bootstrap: %v", err)
	}
	if second != first {
		test.Fatalf("expected replay outcome %+v, got %+v", first, second)
	}
}

func TestBootstrapLeavesExistingRowUntouched(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, 20)
	sessionID := mustSessionID(test, "s1")
	seedBalance(test, store, sessionID, 70, 5)

	outcome, err := service.Bootstrap(context.Background(), sessionID)
	if err != nil {
		test.Fatalf("bootstrap: %v", err)
	}
	if outcome.Charged {
		test.Fatalf("bootstrap of an existing row must not mutate, got %+v", outcome)
	}
	if outcome.Balance.TotalCredits != 70 || outcome.Balance.UsedCredits != 5 {
		test.Fatalf("expected existing balance, got %+v", outcome.Balance)
	}
}

func TestBalanceReadIsSideEffectFree(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, 20)
	sessionID := mustSessionID(test, "fresh")

	balance, err := service.Balance(context.Background(), sessionID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.TotalCredits != 20 || balance.UsedCredits != 0 {
		test.Fatalf("expected defaults, got %+v", balance)
	}
	if len(store.balances) != 0 {
		test.Fatalf("balance read must not create a row")
	}
}

func TestRemainingStaysNonNegativeAcrossSequence(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, 0)
	sessionID := mustSessionID(test, "s1")
	seedBalance(test, store, sessionID, 5, 0)
	source := mustSource(test, "translation")

	for step := 0; step < 12; step++ {
		key := mustIdempotencyKey(test, "seq-"+string(rune('a'+step)))
		if step%3 == 2 {
			if _, err := service.Refund(context.Background(), sessionID, mustAmount(test, 2), source, key); err != nil {
				test.Fatalf("refund step %d: %v", step, err)
			}
		} else {
			if _, err := service.Consume(context.Background(), sessionID, mustAmount(test, 2), source, key); err != nil {
				test.Fatalf("consume step %d: %v", step, err)
			}
		}
		balance := store.balances[sessionID.String()]
		if balance.Remaining() < 0 || balance.UsedCredits < 0 {
			test.Fatalf("invariant violated at step %d: %+v", step, balance)
		}
	}
}
