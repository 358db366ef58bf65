package domain

import "strings"

// Attributes is the classifier output for one garment image.
type Attributes struct {
	Position string `json:"position"`
	Style    string `json:"style"`
	Color    string `json:"color"`
}

// Closed vocabularies accepted from the classifier.
var (
	Positions = []string{"upper", "lower", "full"}
	Styles    = []string{"formal", "traditional", "casual"}
	Colors    = []string{
		"red", "blue", "green", "black", "white", "yellow",
		"orange", "purple", "brown", "pink", "gray",
	}
)

const (
	DefaultPosition = "upper"
	DefaultStyle    = "casual"
	DefaultColor    = "black"
)

// DefaultAttributes is used whenever classification is unavailable or unusable.
func DefaultAttributes() Attributes {
	return Attributes{Position: DefaultPosition, Style: DefaultStyle, Color: DefaultColor}
}

// Normalize lowercases each field and replaces values outside the vocabularies with defaults.
// Parameters: none.
// Returns:
//   - Attributes: a triple whose every field is in its vocabulary.
func (a Attributes) Normalize() Attributes {
	return Attributes{
		Position: pick(a.Position, Positions, DefaultPosition),
		Style:    pick(a.Style, Styles, DefaultStyle),
		Color:    pick(normalizeColor(a.Color), Colors, DefaultColor),
	}
}

func normalizeColor(c string) string {
	if strings.EqualFold(strings.TrimSpace(c), "grey") {
		return "gray"
	}
	return c
}

func pick(value string, vocab []string, fallback string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	for _, allowed := range vocab {
		if v == allowed {
			return v
		}
	}
	return fallback
}
