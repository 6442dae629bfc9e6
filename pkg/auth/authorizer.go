// Package auth checks that a principal may read the objects a request touches.
package auth

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Ramsey-B/linker/pkg/tracing"
)

// ErrForbidden is returned when the principal lacks read access to at least one object.
var ErrForbidden = errors.New("insufficient permissions")

// PermissionReader returns the objects the principal cannot read.
type PermissionReader interface {
	MissingReadAccess(ctx context.Context, principal string, objectIDs []uuid.UUID) ([]uuid.UUID, error)
}

// Authorizer enforces read access on entity sets and property types.
type Authorizer struct {
	permissions PermissionReader
	enabled     bool
	logger      ectologger.Logger
}

// NewAuthorizer creates a new Authorizer. A disabled authorizer allows everything, which is how
// the service runs without an identity provider.
func NewAuthorizer(permissions PermissionReader, enabled bool, logger ectologger.Logger) *Authorizer {
	return &Authorizer{
		permissions: permissions,
		enabled:     enabled,
		logger:      logger,
	}
}

// EnsureReadAccess fails with ErrForbidden unless principal can read every object.
func (a *Authorizer) EnsureReadAccess(ctx context.Context, principal string, objectIDs ...uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "auth.Authorizer.EnsureReadAccess")
	defer span.End()

	if !a.enabled || len(objectIDs) == 0 {
		return nil
	}
	if principal == "" {
		return errors.Wrap(ErrForbidden, "request has no principal")
	}

	missing, err := a.permissions.MissingReadAccess(ctx, principal, objectIDs)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		a.logger.WithContext(ctx).WithFields(map[string]any{
			"principal": principal,
			"missing":   len(missing),
		}).Warn("Denied read access")
		return errors.Wrapf(ErrForbidden, "principal %s cannot read %s", principal, missing[0])
	}
	return nil
}
