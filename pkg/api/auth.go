package api

import (
	"context"
	"strings"

	"github.com/garrisonhq/garrison/pkg/errdefs"
	"github.com/garrisonhq/garrison/pkg/identity"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

type contextKey string

const (
	principalKey contextKey = "garrison.principal"
	nodeIDKey    contextKey = "garrison.node-id"
)

// PrincipalFrom returns the operator principal the auth interceptor attached
// to the context.
func PrincipalFrom(ctx context.Context) (identity.Principal, error) {
	p, ok := ctx.Value(principalKey).(identity.Principal)
	if !ok {
		return identity.Principal{}, errdefs.Unauthorizedf("operator credentials required")
	}
	return p, nil
}

// NodeIDFrom returns the agent node identity the auth interceptor attached to
// the context.
func NodeIDFrom(ctx context.Context) (string, error) {
	id, ok := ctx.Value(nodeIDKey).(string)
	if !ok || id == "" {
		return "", errdefs.Unauthorizedf("agent certificate required")
	}
	return id, nil
}

// AuthInterceptor authenticates incoming unary calls. Operators present a
// bearer token in metadata; agents present an mTLS client certificate whose
// common name is their node ID. Enrollment carries its own credential (the
// token secret in the request body) and is let through unauthenticated.
func AuthInterceptor(verifier identity.Verifier) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if nodeID := peerNodeID(ctx); nodeID != "" {
			ctx = context.WithValue(ctx, nodeIDKey, nodeID)
		}
		if bearer := bearerToken(ctx); bearer != "" {
			principal, err := verifier.VerifyBearer(ctx, bearer)
			if err != nil {
				return nil, toStatus(err)
			}
			ctx = context.WithValue(ctx, principalKey, principal)
		}
		resp, err := handler(ctx, req)
		return resp, toStatus(err)
	}
}

// bearerToken extracts the operator bearer token from request metadata.
func bearerToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get("authorization") {
		if token, found := strings.CutPrefix(v, "Bearer "); found {
			return token
		}
	}
	return ""
}

// peerNodeID extracts the node ID from the peer's verified client
// certificate. Leaf certificates are issued with the node ID as common name.
func peerNodeID(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.AuthInfo == nil {
		return ""
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return ""
	}
	certs := tlsInfo.State.VerifiedChains
	if len(certs) == 0 || len(certs[0]) == 0 {
		return ""
	}
	return certs[0][0].Subject.CommonName
}
