package schema

import "sort"

// Palettes lists the block types each named palette allows. "advanced"
// is a superset of "simple".
var Palettes = map[string][]string{
	"simple": simpleBlocks,
	"advanced": append(append([]string(nil), simpleBlocks...),
		"brick", "clay", "coal_ore", "copper", "diamond", "emerald",
		"gold", "ice", "iron", "lantern", "lava", "marble", "moss",
		"obsidian", "quartz", "sandstone", "snow", "terracotta", "torch",
		"wool_black", "wool_blue", "wool_green", "wool_red", "wool_white",
		"wool_yellow",
	),
}

var simpleBlocks = []string{
	"air", "cobblestone", "dirt", "glass", "grass", "gravel", "leaves",
	"log", "planks", "sand", "stone", "water",
}

type paletteSet map[string]struct{}

var paletteIndex = func() map[string]paletteSet {
	out := make(map[string]paletteSet, len(Palettes))
	for name, types := range Palettes {
		set := make(paletteSet, len(types))
		for _, t := range types {
			set[t] = struct{}{}
		}
		out[name] = set
	}
	return out
}()

// PaletteNames returns the known palette names, sorted.
func PaletteNames() []string {
	out := make([]string, 0, len(Palettes))
	for name := range Palettes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
