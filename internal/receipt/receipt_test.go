package receipt

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/soulcypherai/ai-workout-coach-sub002/internal/accounts"
)

const testValidatorKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type fixedNonce uint64

func (f fixedNonce) CurrentNonce(ctx context.Context, userHash [32]byte) (uint64, error) {
	return uint64(f), nil
}

func newTestIssuer(t *testing.T, nonce uint64) *Issuer {
	t.Helper()
	issuer, err := NewIssuer(IssuerConfig{
		PrivateKeyHex:     testValidatorKey,
		ContractAddress:   "0x1111111111111111111111111111111111111111",
		ChainID:           8453,
		TokenWeiPerCredit: big.NewInt(1_000_000_000_000_000), // 0.001 token per credit
		TTL:               10 * time.Minute,
	}, fixedNonce(nonce))
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	return issuer
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	issuer := newTestIssuer(t, 7)
	userHash := accounts.UserHash("0xabcdef1234567890abcdef1234567890abcdef12")

	signed, err := issuer.Issue(context.Background(), userHash, 500)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if signed.Nonce != 7 {
		t.Fatalf("expected nonce 7, got %d", signed.Nonce)
	}
	if signed.TokenAmount.Cmp(big.NewInt(500_000_000_000_000_000)) != 0 {
		t.Fatalf("unexpected token amount %s", signed.TokenAmount)
	}

	verifier := NewVerifier(issuer.Params(), issuer.ValidatorAddress())
	if err := verifier.Verify(signed.Receipt, signed.Signature, 7); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestVerifyRejectsTamperedAmount(t *testing.T) {
	issuer := newTestIssuer(t, 0)
	userHash := accounts.UserHash("0xabcdef1234567890abcdef1234567890abcdef12")

	signed, err := issuer.Issue(context.Background(), userHash, 500)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	tampered := signed.Receipt
	tampered.CreditAmount = 5000
	tampered.TokenAmount = new(big.Int).Mul(signed.TokenAmount, big.NewInt(10))

	verifier := NewVerifier(issuer.Params(), issuer.ValidatorAddress())
	if err := verifier.Verify(tampered, signed.Signature, 0); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyRejectsStaleNonce(t *testing.T) {
	issuer := newTestIssuer(t, 3)
	userHash := accounts.UserHash("0xabcdef1234567890abcdef1234567890abcdef12")

	signed, err := issuer.Issue(context.Background(), userHash, 100)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	verifier := NewVerifier(issuer.Params(), issuer.ValidatorAddress())

	// Contract nonce advanced past the receipt's nonce: replay must fail
	if err := verifier.Verify(signed.Receipt, signed.Signature, 4); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for stale nonce, got %v", err)
	}
}

func TestVerifyRejectsExpiredReceipt(t *testing.T) {
	issuer := newTestIssuer(t, 0)
	userHash := accounts.UserHash("0xabcdef1234567890abcdef1234567890abcdef12")

	signed, err := issuer.Issue(context.Background(), userHash, 100)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	verifier := NewVerifier(issuer.Params(), issuer.ValidatorAddress())
	verifier.now = func() time.Time { return time.Unix(signed.Expiry, 0) }

	if err := verifier.Verify(signed.Receipt, signed.Signature, 0); !errors.Is(err, ErrReceiptExpired) {
		t.Fatalf("expected ErrReceiptExpired, got %v", err)
	}
}

func TestVerifyRejectsZeroAmounts(t *testing.T) {
	issuer := newTestIssuer(t, 0)
	verifier := NewVerifier(issuer.Params(), issuer.ValidatorAddress())

	r := Receipt{
		CreditAmount: 0,
		TokenAmount:  big.NewInt(0),
		Expiry:       time.Now().Add(time.Hour).Unix(),
	}
	if err := verifier.Verify(r, "0x00", 0); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount, got %v", err)
	}

	if _, err := issuer.Issue(context.Background(), [32]byte{}, 0); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount from issuer, got %v", err)
	}
}

func TestVerifyRejectsWrongValidator(t *testing.T) {
	issuer := newTestIssuer(t, 0)
	userHash := accounts.UserHash("0xabcdef1234567890abcdef1234567890abcdef12")

	signed, err := issuer.Issue(context.Background(), userHash, 100)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	other := common.HexToAddress("0x2222222222222222222222222222222222222222")
	verifier := NewVerifier(issuer.Params(), other)
	if err := verifier.Verify(signed.Receipt, signed.Signature, 0); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestContractErrorMapsRevertReasons(t *testing.T) {
	cases := map[string]error{
		"":                                     nil,
		"execution reverted: ZeroAddress":      ErrZeroAddress,
		"ZeroAmount":                           ErrZeroAmount,
		"ReceiptExpired":                       ErrReceiptExpired,
		"execution reverted: InvalidSignature": ErrInvalidSignature,
		"EtherTransfersNotAllowed":             ErrEtherTransfersNotAllowed,
	}
	for reason, want := range cases {
		got := ContractError(reason)
		if want == nil {
			if got != nil {
				t.Fatalf("ContractError(%q) = %v, want nil", reason, got)
			}
			continue
		}
		if !errors.Is(got, want) {
			t.Fatalf("ContractError(%q) = %v, want %v", reason, got, want)
		}
	}

	if got := ContractError("SafeERC20: transfer failed"); got == nil {
		t.Fatal("unknown reason must still surface as an error")
	}
}

func TestDecodeRevertData(t *testing.T) {
	reason := "ReceiptExpired"
	buf := crypto.Keccak256([]byte("Error(string)"))[:4]
	buf = append(buf, common.LeftPadBytes(big.NewInt(32).Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(big.NewInt(int64(len(reason))).Bytes(), 32)...)
	padded := make([]byte, 32)
	copy(padded, reason)
	buf = append(buf, padded...)

	if got := decodeRevertData("0x" + hex.EncodeToString(buf)); got != reason {
		t.Fatalf("decodeRevertData = %q, want %q", got, reason)
	}
	if got := decodeRevertData("0xdeadbeef"); got != "" {
		t.Fatalf("junk data must decode to empty, got %q", got)
	}
}
