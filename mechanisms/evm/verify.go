package evm

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/Abhi270303/Disburse-AI-sub001"
)

// RecoverAuthorizationSigner returns the address that produced signature
// over auth in domain. Both the 27/28 and 0/1 recovery id conventions are
// accepted.
func RecoverAuthorizationSigner(auth *x402.Authorization, signature string, domain TypedDataDomain) (common.Address, error) {
	sig, err := HexToBytes(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(sig))
	}

	digest, err := HashEIP3009Authorization(auth, domain)
	if err != nil {
		return common.Address{}, err
	}

	// crypto.SigToPub wants the raw recovery id.
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyAuthorizationSignature reports whether signature was produced by
// auth.From.
func VerifyAuthorizationSignature(auth *x402.Authorization, signature string, domain TypedDataDomain) (bool, error) {
	signer, err := RecoverAuthorizationSigner(auth, signature, domain)
	if err != nil {
		return false, err
	}
	return signer == common.HexToAddress(auth.From), nil
}
