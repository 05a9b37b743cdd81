package provider

import (
	"context"

	"github.com/cuemby/rotor/pkg/types"
)

// Provider is the DNS backend abstraction the engine consumes. All
// operations are synchronous but may block on network I/O. The client
// never retries, never sleeps, and never logs; those policies belong to
// the engine. Errors carry a types.FaultKind classification.
type Provider interface {
	// ListZones returns all zones the account's token can see
	ListZones(ctx context.Context, account *types.Account) ([]*types.Zone, error)

	// ListRecords returns the full record set for a zone, paginating
	// internally if the backend pages. typeFilter narrows to one record
	// type when non-empty.
	ListRecords(ctx context.Context, account *types.Account, zoneID string, typeFilter types.RecordType) ([]*types.Record, error)

	// GetRecord reads a single record
	GetRecord(ctx context.Context, account *types.Account, zoneID, recordID string) (*types.Record, error)

	// UpdateRecord sets the record's value, preserving type, name,
	// proxied, and ttl from the passed record
	UpdateRecord(ctx context.Context, account *types.Account, record *types.Record, newValue string) (*types.Record, error)

	// VerifyToken checks the account token against the provider
	VerifyToken(ctx context.Context, account *types.Account) (*TokenStatus, error)
}

// TokenStatus is the result of a token verification
type TokenStatus struct {
	Valid              bool
	MissingPermissions []string
}
