package command

import "github.com/xkilldash9x/spacegraph/api/schemas"

// Template carries the canonical physical properties for one known object
// type. Adds that name a known type inherit these; anything else gets the
// generic template.
type Template struct {
	Class       string
	Size        schemas.Vec3
	Affordances []string
	Mobility    schemas.Mobility
	Confidence  float64
	Color       string
	State       map[string]any
}

var templates = map[string]Template{
	"cup": {
		Class: "cup", Size: schemas.Vec3{0.08, 0.08, 0.10},
		Affordances: []string{"hold_liquid", "portable"},
		Mobility:    schemas.MobilityHigh, Confidence: 0.95, Color: "white",
	},
	"glass": {
		Class: "glass", Size: schemas.Vec3{0.07, 0.07, 0.12},
		Affordances: []string{"hold_liquid", "portable", "fragile"},
		Mobility:    schemas.MobilityHigh, Confidence: 0.93, Color: "transparent",
	},
	"plate": {
		Class: "plate", Size: schemas.Vec3{0.25, 0.25, 0.03},
		Affordances: []string{"support", "portable"},
		Mobility:    schemas.MobilityMedium, Confidence: 0.94, Color: "white",
	},
	"bowl": {
		Class: "bowl", Size: schemas.Vec3{0.18, 0.18, 0.08},
		Affordances: []string{"hold_food", "portable"},
		Mobility:    schemas.MobilityMedium, Confidence: 0.92, Color: "ceramic",
	},
	"book": {
		Class: "book", Size: schemas.Vec3{0.15, 0.23, 0.03},
		Affordances: []string{"readable", "portable"},
		Mobility:    schemas.MobilityHigh, Confidence: 0.96, Color: "varied",
	},
	"laptop": {
		Class: "laptop", Size: schemas.Vec3{0.35, 0.25, 0.03},
		Affordances: []string{"computing", "portable"},
		Mobility:    schemas.MobilityMedium, Confidence: 0.98, Color: "black",
		State: map[string]any{"power": "off", "battery": 85},
	},
	"phone": {
		Class: "phone", Size: schemas.Vec3{0.07, 0.15, 0.01},
		Affordances: []string{"communication", "portable"},
		Mobility:    schemas.MobilityHigh, Confidence: 0.97, Color: "black",
		State: map[string]any{"battery": 78, "signal": "good"},
	},
	"lamp": {
		Class: "lamp", Size: schemas.Vec3{0.20, 0.20, 0.45},
		Affordances: []string{"lighting"},
		Mobility:    schemas.MobilityLow, Confidence: 0.94, Color: "brass",
		State: map[string]any{"power": "off", "brightness": 0},
	},
	"vase": {
		Class: "vase", Size: schemas.Vec3{0.12, 0.12, 0.25},
		Affordances: []string{"decorative", "hold_flowers"},
		Mobility:    schemas.MobilityLow, Confidence: 0.91, Color: "ceramic",
	},
	"candle": {
		Class: "candle", Size: schemas.Vec3{0.05, 0.05, 0.15},
		Affordances: []string{"lighting", "decorative"},
		Mobility:    schemas.MobilityMedium, Confidence: 0.89, Color: "white",
		State: map[string]any{"lit": false},
	},
	"apple": {
		Class: "fruit", Size: schemas.Vec3{0.08, 0.08, 0.08},
		Affordances: []string{"edible", "portable"},
		Mobility:    schemas.MobilityHigh, Confidence: 0.88, Color: "red",
	},
	"bottle": {
		Class: "bottle", Size: schemas.Vec3{0.06, 0.06, 0.22},
		Affordances: []string{"hold_liquid", "portable"},
		Mobility:    schemas.MobilityMedium, Confidence: 0.93, Color: "blue",
	},
	"pen": {
		Class: "pen", Size: schemas.Vec3{0.01, 0.15, 0.01},
		Affordances: []string{"writing", "portable"},
		Mobility:    schemas.MobilityHigh, Confidence: 0.85, Color: "blue",
	},
	"paper": {
		Class: "paper", Size: schemas.Vec3{0.21, 0.30, 0.001},
		Affordances: []string{"writable", "portable"},
		Mobility:    schemas.MobilityHigh, Confidence: 0.82, Color: "white",
	},
}

var aliases = map[string]string{
	"coffee_cup": "cup",
	"mug":        "cup",
	"fruit":      "apple",
}

// TemplateFor resolves an intent's object type to a template. Unknown types
// get a small generic portable box so adds never fail on vocabulary.
func TemplateFor(typ string) Template {
	if canon, ok := aliases[typ]; ok {
		typ = canon
	}
	if t, ok := templates[typ]; ok {
		return t
	}
	return Template{
		Class: typ, Size: schemas.Vec3{0.1, 0.1, 0.1},
		Affordances: []string{"portable"},
		Mobility:    schemas.MobilityMedium, Confidence: 0.7, Color: "gray",
	}
}

// Node materializes the template as a scene node at the given position.
func (t Template) Node(id string, pos schemas.Vec3) schemas.Node {
	var state map[string]any
	if t.State != nil {
		state = make(map[string]any, len(t.State))
		for k, v := range t.State {
			state[k] = v
		}
	}
	return schemas.Node{
		ID:          id,
		Class:       t.Class,
		Pos:         pos,
		Ori:         schemas.Quat{0, 0, 0, 1},
		Size:        t.Size,
		Affordances: append([]string(nil), t.Affordances...),
		Mobility:    t.Mobility,
		Confidence:  t.Confidence,
		State:       state,
		Meta:        map[string]any{"color": t.Color},
	}
}
