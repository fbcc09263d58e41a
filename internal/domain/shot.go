package domain

// ShotType is the framing the reference composition uses.
type ShotType string

const (
	ShotWide         ShotType = "wide"
	ShotMedium       ShotType = "medium"
	ShotCloseUp      ShotType = "close_up"
	ShotOverShoulder ShotType = "over_shoulder"
	ShotTwoShot      ShotType = "two_shot"
)

// ShotTypes lists the known shot types.
var ShotTypes = []ShotType{ShotWide, ShotMedium, ShotCloseUp, ShotOverShoulder, ShotTwoShot}

// Valid reports whether s is a known shot type.
func (s ShotType) Valid() bool {
	for _, t := range ShotTypes {
		if s == t {
			return true
		}
	}
	return false
}

// Complexity is the operator's rating of how hard a scene is to match.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// Valid reports whether c is a known complexity rating.
func (c Complexity) Valid() bool {
	return c == ComplexitySimple || c == ComplexityMedium || c == ComplexityComplex
}
