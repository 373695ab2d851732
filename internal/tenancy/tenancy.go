// Package tenancy implements C1: translating a request's tenant envelope
// into the isolated logical namespace every other store routes by.
package tenancy

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	everrors "evermem/internal/errors"
)

// Tenant identifies the (organization, space) namespace a request operates
// in, plus an optional routing hash_key.
type Tenant struct {
	OrgID   string
	SpaceID string
	HashKey string
}

var safeComponent = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// Validate reports TenantUnresolved if OrgID/SpaceID are missing or contain
// characters unsafe to embed in a schema/collection name.
func (t Tenant) Validate() error {
	if t.OrgID == "" || t.SpaceID == "" {
		return everrors.New(everrors.KindTenantUnresolved, "tenancy.Validate", fmt.Errorf("organization_id and space_id are required"))
	}
	if !safeComponent.MatchString(t.OrgID) || !safeComponent.MatchString(t.SpaceID) {
		return everrors.New(everrors.KindTenantUnresolved, "tenancy.Validate", fmt.Errorf("organization_id/space_id must match %s", safeComponent.String()))
	}
	return nil
}

// Namespace is the lower-cased "org__space" key shared by every backing
// store's schema/prefix derivation.
func (t Tenant) Namespace() string {
	return strings.ToLower(t.OrgID) + "__" + strings.ToLower(t.SpaceID)
}

// SchemaName is the Postgres schema name for this tenant (C5/C6).
func (t Tenant) SchemaName() string {
	return "org_" + strings.ToLower(t.OrgID) + "__space_" + strings.ToLower(t.SpaceID)
}

// CollectionName derives a tenant-scoped Qdrant collection name for an
// entity family (C7), e.g. "org__space__episodic".
func (t Tenant) CollectionName(family string) string {
	return t.Namespace() + "__" + family
}

type ctxKey struct{}

// WithContext returns a context carrying tenant, for façade-boundary plumbing.
func WithContext(ctx context.Context, t Tenant) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext extracts the Tenant a façade call stored via WithContext.
func FromContext(ctx context.Context) (Tenant, bool) {
	t, ok := ctx.Value(ctxKey{}).(Tenant)
	return t, ok
}
