package auth

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mmynk/invoicechain/internal/apperr"
)

// ChallengeMessage is the exact text a wallet signs to prove ownership.
func ChallengeMessage(wallet, nonce string) string {
	return fmt.Sprintf("Verify ownership of %s\nNonce: %s", wallet, nonce)
}

// RecoverSigner returns the address that produced an EIP-191 personal_sign
// signature over message. The recovery id may be 0/1 or 27/28.
func RecoverSigner(message, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil {
		return common.Address{}, apperr.Invalid("signature", "not hex encoded")
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, apperr.Invalid("signature", fmt.Sprintf("must be %d bytes", crypto.SignatureLength))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", apperr.ErrSignatureMismatch)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignChallenge produces a personal_sign signature with V in 27/28, as wallets do.
func SignChallenge(key *ecdsa.PrivateKey, message string) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return "", fmt.Errorf("sign challenge: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// ValidWallet reports whether s is a 0x-prefixed 20-byte hex address.
func ValidWallet(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}
