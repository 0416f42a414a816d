package guard

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"
)

// Authorizer is the external owner-credential check. It returns the actor
// identity the credential belongs to.
type Authorizer interface {
	AuthorizeOwner(ctx context.Context, credential string) (actor string, err error)
}

// Capability proves that an Authorizer accepted an owner credential.
// The zero value grants nothing; only IssueCapability mints a valid one.
type Capability struct {
	actor    string
	issuedAt time.Time
	issued   bool
}

func (c Capability) Actor() string { return c.actor }

func (c Capability) IssuedAt() time.Time { return c.issuedAt }

func (c Capability) valid() bool {
	return c.issued && strings.TrimSpace(c.actor) != ""
}

// IssueCapability runs the credential through auth. The credential itself is
// not retained.
func IssueCapability(ctx context.Context, auth Authorizer, credential string) (Capability, error) {
	if auth == nil {
		return Capability{}, fmt.Errorf("%w: no authorizer configured", ErrUnauthorized)
	}
	if strings.TrimSpace(credential) == "" {
		return Capability{}, fmt.Errorf("%w: missing credential", ErrUnauthorized)
	}
	actor, err := auth.AuthorizeOwner(ctx, credential)
	if err != nil {
		return Capability{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return Capability{}, fmt.Errorf("%w: authorizer returned no actor", ErrUnauthorized)
	}
	return Capability{actor: actor, issuedAt: time.Now().UTC(), issued: true}, nil
}

// StaticOwnerAuthorizer accepts a single configured owner token.
type StaticOwnerAuthorizer struct {
	Token string
	Actor string
}

func (a StaticOwnerAuthorizer) AuthorizeOwner(_ context.Context, credential string) (string, error) {
	want := strings.TrimSpace(a.Token)
	if want == "" {
		return "", fmt.Errorf("owner token is not configured")
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(strings.TrimSpace(credential))) != 1 {
		return "", fmt.Errorf("invalid owner credential")
	}
	actor := strings.TrimSpace(a.Actor)
	if actor == "" {
		actor = "owner"
	}
	return actor, nil
}
