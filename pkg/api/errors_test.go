package api

import (
	"context"
	"testing"

	"github.com/garrisonhq/garrison/pkg/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"nil", nil, codes.OK},
		{"unauthorized", errdefs.Unauthorizedf("bad token"), codes.Unauthenticated},
		{"forbidden", errdefs.Forbiddenf("wrong org"), codes.PermissionDenied},
		{"not found", errdefs.NotFoundf("node x"), codes.NotFound},
		{"invalid request", errdefs.InvalidRequestf("bad platform"), codes.InvalidArgument},
		{"invalid state", errdefs.InvalidStatef("already claimed"), codes.FailedPrecondition},
		{"exhausted", errdefs.ResourceExhaustedf("node full"), codes.ResourceExhausted},
		{"internal", errdefs.Internalf("bolt went away"), codes.Internal},
		{"context canceled", context.Canceled, codes.Canceled},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := toStatus(tt.err)
			if tt.code == codes.OK {
				assert.NoError(t, got)
				return
			}
			st, ok := status.FromError(got)
			require.True(t, ok)
			assert.Equal(t, tt.code, st.Code())
		})
	}
}

func TestToStatusPassesThroughStatusErrors(t *testing.T) {
	orig := status.Error(codes.Unavailable, "draining")
	got := toStatus(orig)
	st, ok := status.FromError(got)
	require.True(t, ok)
	assert.Equal(t, codes.Unavailable, st.Code())
}
