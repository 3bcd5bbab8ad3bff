package custody

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ReleaseMessage is the canonical string the operator signs for a release.
// Format: "AssetEscrow|release|{tokenId}|{serial}|{destination}|{reason}|{seller}|{issuedAt}|{nonce}"
func ReleaseMessage(req ReleaseRequest) string {
	return fmt.Sprintf("AssetEscrow|release|%s|%d|%s|%s|%s|%d|%s",
		req.Token.TokenID,
		req.Token.Serial,
		req.Destination,
		req.Reason,
		req.Seller,
		req.IssuedAt,
		req.Nonce,
	)
}

// hashMessage applies the EIP-191 personal message prefix.
func hashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// Signer co-signs release requests with the operator key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a hex secp256k1 private key, with or without 0x.
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("custody: invalid operator key: %w", err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address is the operator address signatures recover to.
func (s *Signer) Address() common.Address {
	return s.address
}

// Sign returns the hex signature (r || s || v, v in {27,28}) over req.
func (s *Signer) Sign(req ReleaseRequest) (string, error) {
	sig, err := crypto.Sign(hashMessage(ReleaseMessage(req)), s.key)
	if err != nil {
		return "", fmt.Errorf("custody: sign release: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// recoverSigner returns the address that produced signatureHex over req.
func recoverSigner(req ReleaseRequest, signatureHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(hashMessage(ReleaseMessage(req)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// verifySignature checks that signatureHex over req was made by operator.
func verifySignature(req ReleaseRequest, signatureHex string, operator common.Address) error {
	got, err := recoverSigner(req, signatureHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if got != operator {
		return fmt.Errorf("%w: signed by %s", ErrBadSignature, got.Hex())
	}
	return nil
}
