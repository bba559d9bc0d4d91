package x402

import "context"

// Facilitator verifies and settles payments on behalf of a resource server.
//
// An error return means the facilitator could not be reached or answered
// unintelligibly. A definitive rejection is a nil error with IsValid or
// Success set to false.
type Facilitator interface {
	Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleResponse, error)
}

// RecipientResolver maps a service identity to the address that should
// receive its payments. Implementations must not cache: the address may
// rotate between requests.
type RecipientResolver interface {
	Resolve(ctx context.Context, serviceIdentity string) (string, error)
}

// ResolverFunc adapts a function to RecipientResolver.
type ResolverFunc func(ctx context.Context, serviceIdentity string) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, serviceIdentity string) (string, error) {
	return f(ctx, serviceIdentity)
}

// PaymentSigner produces signed payloads that satisfy a set of requirements.
type PaymentSigner interface {
	Address() string
	CreatePayment(ctx context.Context, requirements *PaymentRequirements) (*PaymentPayload, error)
}
