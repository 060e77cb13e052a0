package coupon

import (
	"github.com/shopspring/decimal"

	"github.com/xenking/backoffice-pricing/internal/domain/catalog"
)

// ScopeKind is the applies_to discriminator as stored.
type ScopeKind string

const (
	ScopeAll        ScopeKind = "all"
	ScopeServices   ScopeKind = "services"
	ScopeCategories ScopeKind = "categories"
	ScopeOffers     ScopeKind = "offers"
)

// Scope is the set of cart lines a coupon applies to. The concrete types are
// AllItems, Services, Categories and Offers.
type Scope interface {
	Kind() ScopeKind
	scope()
}

type idSet map[string]struct{}

func newIDSet(ids []string) idSet {
	s := make(idSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s idSet) has(id string) bool {
	_, ok := s[id]
	return ok
}

// IDs returns the set members in no particular order.
func (s idSet) IDs() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}

// AllItems matches every line.
type AllItems struct{}

// Services matches lines whose service id is in the set.
type Services struct{ idSet }

// Categories matches lines whose category id is in the set.
type Categories struct{ idSet }

// Offers matches offer lines whose offer id is in the set.
type Offers struct{ idSet }

func (AllItems) Kind() ScopeKind   { return ScopeAll }
func (Services) Kind() ScopeKind   { return ScopeServices }
func (Categories) Kind() ScopeKind { return ScopeCategories }
func (Offers) Kind() ScopeKind     { return ScopeOffers }

func (AllItems) scope()   {}
func (Services) scope()   {}
func (Categories) scope() {}
func (Offers) scope()     {}

// ParseScope builds a Scope from its stored form. all takes no ids; every
// other kind needs at least one.
func ParseScope(kind ScopeKind, ids []string) (Scope, error) {
	if kind == ScopeAll {
		if len(ids) > 0 {
			return nil, invalid("scope all with %d ids", len(ids))
		}
		return AllItems{}, nil
	}
	if len(ids) == 0 {
		return nil, invalid("scope %s without ids", kind)
	}
	set := newIDSet(ids)
	switch kind {
	case ScopeServices:
		return Services{set}, nil
	case ScopeCategories:
		return Categories{set}, nil
	case ScopeOffers:
		return Offers{set}, nil
	default:
		return nil, invalid("unknown scope %q", kind)
	}
}

// ScopeIDs returns the id set of s, nil for AllItems.
func ScopeIDs(s Scope) []string {
	switch s := s.(type) {
	case Services:
		return s.IDs()
	case Categories:
		return s.IDs()
	case Offers:
		return s.IDs()
	default:
		return nil
	}
}

// Line is the view of a priced cart line the evaluator needs.
type Line struct {
	Kind       catalog.ItemKind
	ItemID     string
	ServiceID  string
	CategoryID string
	OfferID    string
	Total      decimal.Decimal
}

// Matches reports whether line falls within s. Unknown scope types match
// nothing.
func Matches(s Scope, line Line) bool {
	switch s := s.(type) {
	case AllItems:
		return true
	case Services:
		return line.ServiceID != "" && s.has(line.ServiceID)
	case Categories:
		return line.CategoryID != "" && s.has(line.CategoryID)
	case Offers:
		return line.Kind == catalog.KindOffer && s.has(line.OfferID)
	default:
		return false
	}
}
