package domain

import "strings"

// Icon is one of the fixed category icons. IconTag is the fallback used
// when a name does not resolve.
type Icon string

const (
	IconShoppingBag Icon = "ShoppingBag"
	IconCar         Icon = "Car"
	IconHome        Icon = "Home"
	IconHeart       Icon = "Heart"
	IconCoffee      Icon = "Coffee"
	IconPlane       Icon = "Plane"
	IconBook        Icon = "Book"
	IconUtensils    Icon = "Utensils"
	IconZap         Icon = "Zap"
	IconMusic       Icon = "Music"
	IconFilm        Icon = "Film"
	IconDumbbell    Icon = "Dumbbell"

	IconTag Icon = "Tag"
)

// Icons is the selectable icon set, in picker order.
var Icons = []Icon{
	IconShoppingBag, IconCar, IconHome, IconHeart, IconCoffee, IconPlane,
	IconBook, IconUtensils, IconZap, IconMusic, IconFilm, IconDumbbell,
}

// Color is one of the fixed category colors. ColorSlate is the fallback.
type Color string

const (
	ColorBlue    Color = "#1E40AF"
	ColorEmerald Color = "#10B981"
	ColorAmber   Color = "#F59E0B"
	ColorRed     Color = "#EF4444"
	ColorViolet  Color = "#8B5CF6"
	ColorPink    Color = "#EC4899"
	ColorCyan    Color = "#06B6D4"
	ColorLime    Color = "#84CC16"
	ColorOrange  Color = "#F97316"
	ColorIndigo  Color = "#6366F1"

	ColorSlate Color = "#64748B"
)

// Colors is the selectable palette, in picker order.
var Colors = []Color{
	ColorBlue, ColorEmerald, ColorAmber, ColorRed, ColorViolet,
	ColorPink, ColorCyan, ColorLime, ColorOrange, ColorIndigo,
}

// Valid reports whether i belongs to the selectable set.
func (i Icon) Valid() bool {
	for _, v := range Icons {
		if v == i {
			return true
		}
	}
	return false
}

// ParseIcon resolves a stored icon name, falling back to IconTag.
func ParseIcon(s string) Icon {
	for _, v := range Icons {
		if strings.EqualFold(string(v), s) {
			return v
		}
	}
	return IconTag
}

// Valid reports whether c belongs to the palette.
func (c Color) Valid() bool {
	for _, v := range Colors {
		if v == c {
			return true
		}
	}
	return false
}

// ParseColor resolves a stored hex color, falling back to ColorSlate.
func ParseColor(s string) Color {
	for _, v := range Colors {
		if strings.EqualFold(string(v), s) {
			return v
		}
	}
	return ColorSlate
}

// Presentation is how a record's category is rendered.
type Presentation struct {
	Category string `json:"category"`
	Icon     Icon   `json:"icon"`
	Color    Color  `json:"color"`
	Resolved bool   `json:"resolved"`
}

// ResolvePresentation looks up a category by name. Records hold a loose
// reference, so a missing or renamed category yields the fallback.
func ResolvePresentation(name string, categories []Category) Presentation {
	for _, c := range categories {
		if c.Name == name {
			return Presentation{
				Category: name,
				Icon:     ParseIcon(string(c.Icon)),
				Color:    ParseColor(string(c.Color)),
				Resolved: true,
			}
		}
	}
	return Presentation{Category: name, Icon: IconTag, Color: ColorSlate}
}
