package main

import "context"

// Federator is the trust boundary with the external federated identity
// service. Its wire protocol lives elsewhere; this core only persists the
// opaque refresh token it returns and forwards it on linked calls.
type Federator interface {
	// Register creates or links the user's account on the identity service
	// and returns an opaque refresh token, or "" when federation is off.
	Register(ctx context.Context, user *User, password string) (string, error)
}

type noopFederator struct{}

func (noopFederator) Register(context.Context, *User, string) (string, error) { return "", nil }
