package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "0xaaaa000000000000000000000000000000000001"
	bob   = "0xbbbb000000000000000000000000000000000002"
)

func TestLedger_DepositAndBalance(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, l.Deposit(ctx, alice, 1000, "0xtx1"))

	bal, err := l.GetBalance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), bal.Available)
	assert.Equal(t, uint64(1000), bal.TotalIn)

	// Mixed-case address resolves to the same account.
	bal, err = l.GetBalance(ctx, "0xAAAA000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), bal.Available)
}

func TestLedger_DuplicateDeposit(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, l.Deposit(ctx, alice, 10, "0xtx1"))
	assert.ErrorIs(t, l.Deposit(ctx, alice, 10, "0xtx1"), ErrDuplicateDeposit)

	// Deposits without a hash are never deduplicated.
	require.NoError(t, l.Deposit(ctx, alice, 10, ""))
	require.NoError(t, l.Deposit(ctx, alice, 10, ""))

	bal, _ := l.GetBalance(ctx, alice)
	assert.Equal(t, uint64(30), bal.Available)
}

func TestLedger_ConcurrentDuplicateDeposit(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, dup := 0, 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Deposit(ctx, alice, 100, "0xsame")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrDuplicateDeposit):
				dup++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 49, dup)
	bal, err := l.GetBalance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), bal.Available)
}

func TestMemoryStore_CreditRejectsSeenHash(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Credit(ctx, alice, 100, "0xdep", "deposit"))
	assert.ErrorIs(t, store.Credit(ctx, bob, 100, "0xdep", "deposit"), ErrDuplicateDeposit)
	require.NoError(t, store.Credit(ctx, bob, 100, "", "deposit"))
	require.NoError(t, store.Credit(ctx, bob, 100, "", "deposit"))

	bal, err := store.GetBalance(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), bal.Available)
}

func TestLedger_ZeroAmounts(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	assert.ErrorIs(t, l.Deposit(ctx, alice, 0, ""), ErrInvalidAmount)
	assert.ErrorIs(t, l.Lock(ctx, alice, 0, "r"), ErrInvalidAmount)
	assert.ErrorIs(t, l.Release(ctx, alice, 0, "r"), ErrInvalidAmount)
	assert.ErrorIs(t, l.Withdraw(ctx, alice, 0, ""), ErrInvalidAmount)
}

func TestLedger_LockAndRelease(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, l.Deposit(ctx, alice, 1005, ""))

	require.NoError(t, l.Lock(ctx, alice, 1005, "escrow:1"))
	held, err := l.CustodyBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1005), held)

	bal, _ := l.GetBalance(ctx, alice)
	assert.Equal(t, uint64(0), bal.Available)

	require.NoError(t, l.Release(ctx, bob, 1000, "escrow:1"))
	require.NoError(t, l.Release(ctx, alice, 5, "escrow:1"))

	held, _ = l.CustodyBalance(ctx)
	assert.Equal(t, uint64(0), held)
	bob1, _ := l.GetBalance(ctx, bob)
	assert.Equal(t, uint64(1000), bob1.Available)

	assert.ErrorIs(t, l.Release(ctx, bob, 1, "escrow:1"), ErrInsufficientCustody)
}

func TestLedger_InsufficientBalance(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, l.Deposit(ctx, alice, 100, ""))

	err := l.Lock(ctx, alice, 101, "escrow:1")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	held, _ := l.CustodyBalance(ctx)
	assert.Equal(t, uint64(0), held)
	bal, _ := l.GetBalance(ctx, alice)
	assert.Equal(t, uint64(100), bal.Available)

	assert.ErrorIs(t, l.Withdraw(ctx, alice, 101, ""), ErrInsufficientBalance)
	require.NoError(t, l.Withdraw(ctx, alice, 100, "0xout"))
}

func TestLedger_Overflow(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, l.Deposit(ctx, alice, math.MaxUint64, ""))
	assert.ErrorIs(t, l.Deposit(ctx, bob, 1, ""), ErrOverflow, "total deposits are bounded too")
}

func TestLedger_History(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, l.Deposit(ctx, alice, 500, "0xtx"))
	require.NoError(t, l.Lock(ctx, alice, 300, "escrow:7"))
	require.NoError(t, l.Release(ctx, bob, 300, "escrow:7"))

	entries, err := l.GetHistory(ctx, alice, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EntryLock, entries[0].Type)
	assert.Equal(t, "escrow:7", entries[0].Reference)
	assert.Equal(t, EntryDeposit, entries[1].Type)

	entries, err = l.GetHistory(ctx, bob, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, EntryRelease, entries[0].Type)
}

func TestLedger_ReconcileBalances(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, l.Deposit(ctx, alice, 2000, ""))
	require.NoError(t, l.Deposit(ctx, bob, 500, ""))
	require.NoError(t, l.Lock(ctx, alice, 1005, "escrow:1"))
	require.NoError(t, l.Release(ctx, bob, 500, "escrow:1"))
	require.NoError(t, l.Withdraw(ctx, bob, 700, ""))

	report, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, report.Balanced)
	assert.Equal(t, uint64(2500), report.Totals.Deposits)
	assert.Equal(t, uint64(700), report.Totals.Withdrawals)
	assert.Equal(t, uint64(505), report.Totals.Custody)
	assert.Equal(t, uint64(1295), report.Totals.Available)
}

func TestLedger_ConcurrentLocks(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, l.Deposit(ctx, alice, 100, ""))

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, short := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Lock(ctx, alice, 10, "escrow")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInsufficientBalance):
				short++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, 10, short)
	held, _ := l.CustodyBalance(ctx)
	assert.Equal(t, uint64(100), held)
}
