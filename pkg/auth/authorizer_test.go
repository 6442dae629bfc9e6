package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePermissions struct {
	granted map[string][]uuid.UUID
	calls   int
	err     error
}

func (f *fakePermissions) MissingReadAccess(_ context.Context, principal string, objectIDs []uuid.UUID) ([]uuid.UUID, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var missing []uuid.UUID
	for _, id := range objectIDs {
		found := false
		for _, g := range f.granted[principal] {
			if g == id {
				found = true
			}
		}
		if !found {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func TestAuthorizer_EnsureReadAccess(t *testing.T) {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	a, b := uuid.New(), uuid.New()
	perms := &fakePermissions{granted: map[string][]uuid.UUID{"alice": {a, b}, "bob": {a}}}

	tests := []struct {
		name      string
		enabled   bool
		principal string
		objects   []uuid.UUID
		forbidden bool
	}{
		{name: "all granted", enabled: true, principal: "alice", objects: []uuid.UUID{a, b}},
		{name: "one missing", enabled: true, principal: "bob", objects: []uuid.UUID{a, b}, forbidden: true},
		{name: "no principal", enabled: true, objects: []uuid.UUID{a}, forbidden: true},
		{name: "nothing to check", enabled: true, principal: "bob"},
		{name: "disabled", enabled: false, principal: "", objects: []uuid.UUID{a, b}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			authorizer := NewAuthorizer(perms, tt.enabled, logger)
			err := authorizer.EnsureReadAccess(context.Background(), tt.principal, tt.objects...)
			if tt.forbidden {
				assert.ErrorIs(t, err, ErrForbidden)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	t.Run("store errors are not forbidden", func(t *testing.T) {
		authorizer := NewAuthorizer(&fakePermissions{err: errors.New("db down")}, true, logger)
		err := authorizer.EnsureReadAccess(context.Background(), "alice", a)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrForbidden)
	})
}
