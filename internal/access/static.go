package access

import (
	"context"
	"fmt"
	"sync"
)

// StaticOracle answers from an in-memory grant table. Used for dev mode and
// tests; also handy for mid-test permission downgrades.
type StaticOracle struct {
	mu     sync.RWMutex
	grants map[string]Tier // principalID/documentID -> tier
	// DefaultTier, when above TierNone, applies to any pair without an
	// explicit grant. Dev mode runs with TierEditor here.
	DefaultTier Tier
}

func NewStaticOracle() *StaticOracle {
	return &StaticOracle{grants: make(map[string]Tier)}
}

func grantKey(principalID, documentID string) string {
	return principalID + "/" + documentID
}

// Grant sets the principal's tier on the document, replacing any prior one.
func (o *StaticOracle) Grant(principalID, documentID string, tier Tier) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.grants[grantKey(principalID, documentID)] = tier
}

// Revoke removes the explicit grant; the default tier still applies.
func (o *StaticOracle) Revoke(principalID, documentID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.grants, grantKey(principalID, documentID))
}

func (o *StaticOracle) CheckAccess(_ context.Context, principalID, documentID string, required Tier) (Decision, error) {
	o.mu.RLock()
	tier, ok := o.grants[grantKey(principalID, documentID)]
	o.mu.RUnlock()
	if !ok {
		tier = o.DefaultTier
	}
	if tier == TierNone {
		return Decision{Allowed: false, Reason: "no permission on document"}, nil
	}
	if !tier.AtLeast(required) {
		return Decision{Allowed: false, Tier: tier, Reason: fmt.Sprintf("requires %s, has %s", required, tier)}, nil
	}
	return Decision{Allowed: true, Tier: tier}, nil
}
