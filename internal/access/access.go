// Package access defines permission tiers and the access-control oracle the
// editing core consults before admitting or applying document-scoped events.
package access

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tier ranks what a principal may do with a document. Higher tiers include
// lower ones.
type Tier int

const (
	TierNone Tier = iota
	TierViewer
	TierCommenter
	TierEditor
)

var tierNames = map[Tier]string{
	TierNone:      "none",
	TierViewer:    "viewer",
	TierCommenter: "commenter",
	TierEditor:    "editor",
}

func (t Tier) String() string {
	if s, ok := tierNames[t]; ok {
		return s
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// ParseTier maps the stored/wire string form back to a Tier.
func ParseTier(s string) (Tier, error) {
	for t, name := range tierNames {
		if name == s {
			return t, nil
		}
	}
	return TierNone, fmt.Errorf("unknown permission tier %q", s)
}

func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Tier) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// AtLeast reports whether t grants everything required does.
func (t Tier) AtLeast(required Tier) bool {
	return t >= required
}

// Decision is the oracle's answer for one principal/document/tier question.
// Tier carries the principal's actual tier on the document, which may exceed
// the required one.
type Decision struct {
	Allowed bool
	Tier    Tier
	Reason  string
}

// Oracle resolves whether a principal may act on a document at the required
// tier. Implementations must be safe for repeated, concurrent calls; the
// gateway re-queries it on every document-scoped event.
type Oracle interface {
	CheckAccess(ctx context.Context, principalID, documentID string, required Tier) (Decision, error)
}
