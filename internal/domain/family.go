package domain

// Family identifies one of the three session kinds.
type Family string

const (
	FamilyPrice       Family = "price"
	FamilyStats       Family = "stats"
	FamilyMovingStats Family = "moving-stats"
)

// Families lists all families in routing order.
var Families = []Family{FamilyPrice, FamilyStats, FamilyMovingStats}

// Valid reports whether f is a known family.
func (f Family) Valid() bool {
	switch f {
	case FamilyPrice, FamilyStats, FamilyMovingStats:
		return true
	}
	return false
}

func (f Family) String() string {
	return string(f)
}
