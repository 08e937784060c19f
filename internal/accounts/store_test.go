package accounts

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/cache"
)

func TestUserHashNormalizesCase(t *testing.T) {
	a := UserHash("0xAbCdEf1234567890aBcDeF1234567890AbCdEf12")
	b := UserHash("0xabcdef1234567890abcdef1234567890abcdef12")
	if a != b {
		t.Fatalf("hash must be case-insensitive: %x != %x", a, b)
	}
	if hex.EncodeToString(a[:]) == hex.EncodeToString(make([]byte, 32)) {
		t.Fatalf("hash must not be zero")
	}
}

func TestByIDMissingUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT id, email, wallet_address, created_at").
		WithArgs("user-missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "wallet_address", "created_at"}))

	store := NewStore(db)
	if _, err := store.ByID(context.Background(), "user-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestByWalletResolvesUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("LOWER\\(wallet_address\\) = LOWER").
		WithArgs("0xAbC123").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "wallet_address", "created_at"}).
			AddRow("user-1", "u@example.com", "0xabc123", time.Now()))

	store := NewStore(db)
	u, err := store.ByWallet(context.Background(), "0xAbC123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.ID != "user-1" {
		t.Fatalf("unexpected user: %+v", u)
	}
}

func TestCachedStoreServesFromCache(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	// One database hit expected for two lookups
	mock.ExpectQuery("SELECT id, email, wallet_address, created_at").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "wallet_address", "created_at"}).
			AddRow("user-1", "u@example.com", "0xabc", time.Now()))

	var hits, misses int
	cached := NewCachedStore(NewStore(db), cache.MetricsHooks{
		OnHit:  func() { hits++ },
		OnMiss: func() { misses++ },
	})

	u1, err := cached.ByID(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	u2, err := cached.ByID(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u1.ID != "user-1" || u2.ID != "user-1" {
		t.Fatalf("unexpected users: %+v %+v", u1, u2)
	}
	if hits != 1 || misses != 1 {
		t.Fatalf("hits=%d misses=%d, want 1 and 1", hits, misses)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("second lookup should be cached: %v", err)
	}
}

func TestCachedStoreInvalidateForcesReload(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	rows := func(wallet string) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "email", "wallet_address", "created_at"}).
			AddRow("user-1", "u@example.com", wallet, time.Now())
	}
	mock.ExpectQuery("SELECT id, email, wallet_address, created_at").
		WithArgs("user-1").WillReturnRows(rows("0xold"))
	mock.ExpectQuery("SELECT id, email, wallet_address, created_at").
		WithArgs("user-1").WillReturnRows(rows("0xnew"))

	cached := NewCachedStore(NewStore(db), cache.MetricsHooks{})

	if u, err := cached.ByID(context.Background(), "user-1"); err != nil || u.WalletAddress != "0xold" {
		t.Fatalf("first lookup: %+v %v", u, err)
	}
	cached.Invalidate("user-1")
	if u, err := cached.ByID(context.Background(), "user-1"); err != nil || u.WalletAddress != "0xnew" {
		t.Fatalf("lookup after invalidate must reload: %+v %v", u, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
