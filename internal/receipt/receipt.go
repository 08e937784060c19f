// Package receipt implements the signed payment receipt flow for the
// on-chain rail. The backend issues a short-lived receipt binding a
// credit amount to a user's on-chain identity and the contract's current
// nonce; the payment contract verifies the same hash before accepting
// token transfers, and the watcher credits the ledger once the
// transaction is confirmed.
package receipt

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrZeroAddress              = errors.New("zero address not allowed")
	ErrZeroAmount               = errors.New("receipt amount must be positive")
	ErrReceiptExpired           = errors.New("receipt expired")
	ErrInvalidSignature         = errors.New("invalid receipt signature")
	ErrEtherTransfersNotAllowed = errors.New("contract only accepts token payments")
)

// contractErrorNames maps the payment contract's revert identifiers to
// local sentinels, in the order the contract checks them.
var contractErrorNames = []struct {
	name string
	err  error
}{
	{"ZeroAddress", ErrZeroAddress},
	{"ZeroAmount", ErrZeroAmount},
	{"ReceiptExpired", ErrReceiptExpired},
	{"InvalidSignature", ErrInvalidSignature},
	{"EtherTransfersNotAllowed", ErrEtherTransfersNotAllowed},
}

// ContractError maps a revert reason reported by the payment contract to
// its sentinel error. Unknown non-empty reasons are preserved verbatim;
// an empty reason returns nil.
func ContractError(reason string) error {
	if reason == "" {
		return nil
	}
	for _, ce := range contractErrorNames {
		if strings.Contains(reason, ce.name) {
			return ce.err
		}
	}
	return fmt.Errorf("contract revert: %s", reason)
}

// Receipt is the payload signed by the backend validator key. TokenAmount
// is denominated in the payment token's smallest unit.
type Receipt struct {
	UserHash     [32]byte `json:"user_hash"`
	CreditAmount int64    `json:"credit_amount"`
	TokenAmount  *big.Int `json:"token_amount"`
	Nonce        uint64   `json:"nonce"`
	Expiry       int64    `json:"expiry"` // unix seconds
}

// Params pins a receipt to one deployment. Receipts signed for a
// different contract or chain never verify.
type Params struct {
	ContractAddress common.Address
	ChainID         int64
}

// hash computes the tightly packed digest the contract checks:
// keccak256(userHash ‖ creditAmount ‖ tokenAmount ‖ nonce ‖ expiry ‖
// contract ‖ chainId), with all integers as uint256.
func (r Receipt) hash(params Params, nonce uint64) []byte {
	return crypto.Keccak256(
		r.UserHash[:],
		padInt64(r.CreditAmount),
		padBig(r.TokenAmount),
		padUint64(nonce),
		padInt64(r.Expiry),
		params.ContractAddress.Bytes(),
		padInt64(params.ChainID),
	)
}

// SigningHash returns the prefixed hash that is actually signed, matching
// Solidity's ecrecover of an eth_sign style message.
func (r Receipt) SigningHash(params Params, nonce uint64) []byte {
	return crypto.Keccak256(
		[]byte("\x19Ethereum Signed Message:\n32"),
		r.hash(params, nonce),
	)
}

// Verifier mirrors the contract-side receipt checks.
type Verifier struct {
	params    Params
	validator common.Address
	now       func() time.Time
}

func NewVerifier(params Params, validator common.Address) *Verifier {
	return &Verifier{params: params, validator: validator, now: time.Now}
}

// Verify checks a receipt the way the contract does: amounts first, then
// expiry, then signature recovery against the expected validator.
// currentNonce is the nonce the contract currently stores for the user;
// a receipt signed against a stale nonce hashes differently and fails
// signature recovery, which is what makes receipts single-use.
func (v *Verifier) Verify(r Receipt, signature string, currentNonce uint64) error {
	if r.CreditAmount <= 0 {
		return ErrZeroAmount
	}
	if r.TokenAmount == nil || r.TokenAmount.Sign() <= 0 {
		return ErrZeroAmount
	}
	if v.now().Unix() >= r.Expiry {
		return ErrReceiptExpired
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return fmt.Errorf("%w: bad signature hex", ErrInvalidSignature)
	}
	if len(sig) != 65 {
		return fmt.Errorf("%w: signature must be 65 bytes, got %d", ErrInvalidSignature, len(sig))
	}

	// Ethereum recovery id is 0 or 1 (not 27 or 28)
	recovered := make([]byte, 65)
	copy(recovered, sig)
	if recovered[64] >= 27 {
		recovered[64] -= 27
	}
	if recovered[64] > 1 {
		return fmt.Errorf("%w: invalid recovery id", ErrInvalidSignature)
	}

	pubKey, err := crypto.Ecrecover(r.SigningHash(v.params, currentNonce), recovered)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	pubKeyECDSA, err := crypto.UnmarshalPubkey(pubKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if crypto.PubkeyToAddress(*pubKeyECDSA) != v.validator {
		return ErrInvalidSignature
	}
	return nil
}

func padInt64(v int64) []byte {
	return padBig(big.NewInt(v))
}

func padUint64(v uint64) []byte {
	return padBig(new(big.Int).SetUint64(v))
}

func padBig(v *big.Int) []byte {
	padded := make([]byte, 32)
	if v != nil {
		v.FillBytes(padded)
	}
	return padded
}
