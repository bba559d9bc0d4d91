package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	x402 "github.com/Abhi270303/Disburse-AI-sub001"
)

// PrimaryTypeTransferWithAuthorization is the EIP-3009 primary type.
const PrimaryTypeTransferWithAuthorization = "TransferWithAuthorization"

// TypedDataDomain is the EIP-712 domain of an EIP-3009 token.
type TypedDataDomain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// TypedDataField is one member of an EIP-712 struct type.
type TypedDataField struct {
	Name string
	Type string
}

// TransferWithAuthorizationTypes are the EIP-712 types signed by the exact
// scheme. Field order is part of the type hash and must not change.
var TransferWithAuthorizationTypes = map[string][]TypedDataField{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	PrimaryTypeTransferWithAuthorization: {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// DomainForRequirements builds the signing domain for a payment: the chain
// of the requirement's network, the asset as verifying contract, and the
// token name and version from Extra, falling back to the known asset.
func DomainForRequirements(requirements *x402.PaymentRequirements) (TypedDataDomain, error) {
	config, err := GetNetworkConfig(requirements.Network)
	if err != nil {
		return TypedDataDomain{}, err
	}
	if !common.IsHexAddress(requirements.Asset) {
		return TypedDataDomain{}, fmt.Errorf("invalid asset address: %q", requirements.Asset)
	}

	domain := TypedDataDomain{
		ChainID:           config.ChainID,
		VerifyingContract: common.HexToAddress(requirements.Asset).Hex(),
	}
	if info, err := GetAssetInfo(requirements.Network, requirements.Asset); err == nil {
		domain.Name = info.Name
		domain.Version = info.Version
	}
	if requirements.Extra != nil {
		if requirements.Extra.Name != "" {
			domain.Name = requirements.Extra.Name
		}
		if requirements.Extra.Version != "" {
			domain.Version = requirements.Extra.Version
		}
	}
	if domain.Name == "" || domain.Version == "" {
		return TypedDataDomain{}, fmt.Errorf("missing EIP-712 name/version for asset %s", requirements.Asset)
	}
	return domain, nil
}

// HashTypedData returns keccak256("\x19\x01" || domainSeparator || structHash).
func HashTypedData(
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       make(apitypes.Types, len(types)),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: message,
	}
	for typeName, fields := range types {
		typedFields := make([]apitypes.Type, len(fields))
		for i, field := range fields {
			typedFields[i] = apitypes.Type{Name: field.Name, Type: field.Type}
		}
		typedData.Types[typeName] = typedFields
	}

	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	rawData := make([]byte, 0, 66)
	rawData = append(rawData, 0x19, 0x01)
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, dataHash...)
	return crypto.Keccak256(rawData), nil
}

// AuthorizationMessage converts an authorization to the typed message.
// Numeric fields must be unsigned decimal strings and the nonce 32 bytes.
func AuthorizationMessage(auth *x402.Authorization) (map[string]interface{}, error) {
	if auth == nil {
		return nil, fmt.Errorf("missing authorization")
	}
	if !common.IsHexAddress(auth.From) {
		return nil, fmt.Errorf("invalid from address: %q", auth.From)
	}
	if !common.IsHexAddress(auth.To) {
		return nil, fmt.Errorf("invalid to address: %q", auth.To)
	}
	value, err := ParseUint256(auth.Value)
	if err != nil {
		return nil, fmt.Errorf("invalid authorization value: %w", err)
	}
	validAfter, err := ParseUint256(auth.ValidAfter)
	if err != nil {
		return nil, fmt.Errorf("invalid validAfter: %w", err)
	}
	validBefore, err := ParseUint256(auth.ValidBefore)
	if err != nil {
		return nil, fmt.Errorf("invalid validBefore: %w", err)
	}
	nonce, err := ParseNonce(auth.Nonce)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"from":        common.HexToAddress(auth.From).Hex(),
		"to":          common.HexToAddress(auth.To).Hex(),
		"value":       value,
		"validAfter":  validAfter,
		"validBefore": validBefore,
		"nonce":       nonce[:],
	}, nil
}

// HashEIP3009Authorization hashes a TransferWithAuthorization message in the
// given domain.
func HashEIP3009Authorization(auth *x402.Authorization, domain TypedDataDomain) ([]byte, error) {
	message, err := AuthorizationMessage(auth)
	if err != nil {
		return nil, err
	}
	return HashTypedData(domain, TransferWithAuthorizationTypes, PrimaryTypeTransferWithAuthorization, message)
}
