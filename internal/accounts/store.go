package accounts

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

// ErrNotFound is returned when a user does not exist or is soft-deleted.
var ErrNotFound = errors.New("user not found")

// User is an account in the avatar-chat product. WalletAddress is empty
// for fiat-only users.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	WalletAddress string    `json:"wallet_address,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store reads user accounts from the shared database.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ByID fetches a user by id. Soft-deleted users are treated as missing.
func (s *Store) ByID(ctx context.Context, id string) (*User, error) {
	var u User
	var email, wallet sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, wallet_address, created_at
		FROM users
		WHERE id = $1 AND deleted_at IS NULL
	`, id).Scan(&u.ID, &email, &wallet, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Email = email.String
	u.WalletAddress = wallet.String
	return &u, nil
}

// ByWallet fetches a user by wallet address, case-insensitive.
func (s *Store) ByWallet(ctx context.Context, address string) (*User, error) {
	var u User
	var email, wallet sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, wallet_address, created_at
		FROM users
		WHERE LOWER(wallet_address) = LOWER($1) AND deleted_at IS NULL
	`, address).Scan(&u.ID, &email, &wallet, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Email = email.String
	u.WalletAddress = wallet.String
	return &u, nil
}

// Exists reports whether a live (not soft-deleted) user exists.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM users WHERE id = $1 AND deleted_at IS NULL)
	`, id).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// UserHash derives the 32-byte on-chain identity for a wallet address:
// the Keccak-256 of the lowercased hex address. The payment contract
// stores nonces under this hash rather than the raw address.
func UserHash(walletAddress string) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(walletAddress))))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
