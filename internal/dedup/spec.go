package dedup

import "github.com/ilyaizen/habistat/pkg/db/models"

// Spec locates the business key of a keyed table. An empty KeyColumn means
// the owner alone is the key (one row per account).
type Spec struct {
	Kind        models.Kind
	Table       string
	OwnerColumn string
	KeyColumn   string
}

var specs = map[models.Kind]Spec{
	models.KindActivityHistory: {
		Kind:        models.KindActivityHistory,
		Table:       string(models.KindActivityHistory),
		OwnerColumn: "user_id",
		KeyColumn:   "date",
	},
	models.KindUserProfile: {
		Kind:        models.KindUserProfile,
		Table:       string(models.KindUserProfile),
		OwnerColumn: "user_id",
	},
}

// SpecFor reports whether kind carries a business key.
func SpecFor(kind models.Kind) (Spec, bool) {
	spec, ok := specs[kind]
	return spec, ok
}

// Specs returns every keyed table in a stable order.
func Specs() []Spec {
	return []Spec{specs[models.KindActivityHistory], specs[models.KindUserProfile]}
}

func (s Spec) keyExpr() string {
	if s.KeyColumn == "" {
		return "''"
	}
	return s.KeyColumn
}

// ownerClause matches one owner; the empty owner means local-only rows.
func (s Spec) ownerClause(owner string) (string, []any) {
	if owner == "" {
		return "(" + s.OwnerColumn + " IS NULL OR " + s.OwnerColumn + " = '')", nil
	}
	return s.OwnerColumn + " = ?", []any{owner}
}
