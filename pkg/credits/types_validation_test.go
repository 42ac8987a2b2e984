package credits

import (
	"errors"
	"testing"
)

func TestNewSessionIDValidation(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		raw     string
		want    string
		wantErr error
	}{
		{name: "plain id", raw: "s1", want: "s1"},
		{name: "trims whitespace", raw: "  s1  ", want: "s1"},
		{name: "empty", raw: "", wantErr: ErrInvalidSessionID},
		{name: "whitespace only", raw: "   ", wantErr: ErrInvalidSessionID},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			sessionID, err := NewSessionID(testCase.raw)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					test.Fatalf("expected %v, got %v", testCase.wantErr, err)
				}
				return
			}
			if err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
			if sessionID.String() != testCase.want {
				test.Fatalf("expected %q, got %q", testCase.want, sessionID.String())
			}
		})
	}
}

func TestNewAmountValidation(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		raw     int64
		wantErr error
	}{
		{name: "positive", raw: 1},
		{name: "zero", raw: 0, wantErr: ErrInvalidAmount},
		{name: "negative", raw: -5, wantErr: ErrInvalidAmount},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			amount, err := NewAmount(testCase.raw)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					test.Fatalf("expected %v, got %v", testCase.wantErr, err)
				}
				return
			}
			if err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
			if amount.Int64() != testCase.raw {
				test.Fatalf("expected %d, got %d", testCase.raw, amount.Int64())
			}
		})
	}
}

func TestNewBalanceValidation(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		total   int64
		used    int64
		wantErr error
	}{
		{name: "fresh", total: 20, used: 0},
		{name: "fully used", total: 20, used: 20},
		{name: "negative total", total: -1, used: 0, wantErr: ErrInvalidBalance},
		{name: "negative used", total: 20, used: -1, wantErr: ErrInvalidBalance},
		{name: "used above total", total: 20, used: 21, wantErr: ErrInvalidBalance},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			balance, err := NewBalance(testCase.total, testCase.used)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					test.Fatalf("expected %v, got %v", testCase.wantErr, err)
				}
				return
			}
			if err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
			if balance.Remaining() != testCase.total-testCase.used {
				test.Fatalf("expected remaining %d, got %d", testCase.total-testCase.used, balance.Remaining())
			}
		})
	}
}

func TestNewSourceAndKeyRejectEmptyValues(test *testing.T) {
	test.Parallel()
	if _, err := NewSource(" "); !errors.Is(err, ErrInvalidSource) {
		test.Fatalf("expected %v, got %v", ErrInvalidSource, err)
	}
	if _, err := NewIdempotencyKey(""); !errors.Is(err, ErrInvalidIdempotencyKey) {
		test.Fatalf("expected %v, got %v", ErrInvalidIdempotencyKey, err)
	}
}
