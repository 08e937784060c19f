package receipt

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// NonceSource reads the contract's current nonce for a user. Implemented
// by Client against the live chain; tests substitute a fixture.
type NonceSource interface {
	CurrentNonce(ctx context.Context, userHash [32]byte) (uint64, error)
}

// IssuerConfig configures receipt issuance.
type IssuerConfig struct {
	PrivateKeyHex     string
	ContractAddress   string
	ChainID           int64
	TokenWeiPerCredit *big.Int
	TTL               time.Duration
}

// SignedReceipt is what the frontend hands to the payment contract.
type SignedReceipt struct {
	Receipt
	Signature string `json:"signature"`
}

// Issuer signs payment receipts with the validator key.
type Issuer struct {
	key    *ecdsa.PrivateKey
	params Params
	rate   *big.Int
	ttl    time.Duration
	nonces NonceSource
	now    func() time.Time
}

func NewIssuer(cfg IssuerConfig, nonces NonceSource) (*Issuer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid validator private key: %w", err)
	}
	if cfg.TokenWeiPerCredit == nil || cfg.TokenWeiPerCredit.Sign() <= 0 {
		return nil, fmt.Errorf("token rate per credit must be positive")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Issuer{
		key: key,
		params: Params{
			ContractAddress: common.HexToAddress(cfg.ContractAddress),
			ChainID:         cfg.ChainID,
		},
		rate:   cfg.TokenWeiPerCredit,
		ttl:    ttl,
		nonces: nonces,
		now:    time.Now,
	}, nil
}

// ValidatorAddress is the address the contract must be configured with.
func (i *Issuer) ValidatorAddress() common.Address {
	return crypto.PubkeyToAddress(i.key.PublicKey)
}

// Params returns the deployment the issuer signs for.
func (i *Issuer) Params() Params {
	return i.params
}

// Issue signs a receipt for the given credit amount against the
// contract's current nonce for the user. The receipt expires after the
// configured TTL; the frontend must submit the transaction before then.
func (i *Issuer) Issue(ctx context.Context, userHash [32]byte, creditAmount int64) (*SignedReceipt, error) {
	if creditAmount <= 0 {
		return nil, ErrZeroAmount
	}

	nonce, err := i.nonces.CurrentNonce(ctx, userHash)
	if err != nil {
		return nil, fmt.Errorf("failed to read contract nonce: %w", err)
	}

	r := Receipt{
		UserHash:     userHash,
		CreditAmount: creditAmount,
		TokenAmount:  new(big.Int).Mul(big.NewInt(creditAmount), i.rate),
		Nonce:        nonce,
		Expiry:       i.now().Add(i.ttl).Unix(),
	}

	sig, err := crypto.Sign(r.SigningHash(i.params, nonce), i.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign receipt: %w", err)
	}
	// Contract-side ecrecover expects v in {27, 28}
	sig[64] += 27

	return &SignedReceipt{
		Receipt:   r,
		Signature: "0x" + hex.EncodeToString(sig),
	}, nil
}
