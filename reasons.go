package x402

// Machine readable rejection reasons. The exact-scheme names follow the
// reasons public facilitators report so clients can match on either.
const (
	ReasonInvalidVersion     = "invalid_x402_version"
	ReasonSchemeMismatch     = "unsupported_scheme"
	ReasonNetworkMismatch    = "invalid_network"
	ReasonInvalidPayload     = "invalid_exact_evm_payload"
	ReasonRecipientMismatch  = "invalid_exact_evm_payload_recipient_mismatch"
	ReasonInsufficientValue  = "invalid_exact_evm_payload_authorization_value"
	ReasonNotYetValid        = "invalid_exact_evm_payload_authorization_valid_after"
	ReasonExpired            = "invalid_exact_evm_payload_authorization_valid_before"
	ReasonInvalidSignature   = "invalid_exact_evm_payload_signature"
	ReasonNonceAlreadyUsed   = "invalid_exact_evm_nonce_already_used"
	ReasonInsufficientFunds  = "insufficient_funds"
	ReasonUnexpectedSettle   = "unexpected_settle_error"
	ReasonVerificationFailed = "verification_failed"
)
