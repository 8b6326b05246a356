package dav

import "context"

type principalKey struct{}

// WithPrincipal records the authenticated principal path, such as
// "principals/alice", for the request.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, CleanPath(principal))
}

// CurrentPrincipal returns the principal path of the request, or "" for
// unauthenticated requests.
func CurrentPrincipal(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}
