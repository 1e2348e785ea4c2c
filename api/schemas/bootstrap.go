package schemas

// -- Bootstrap Input Format --
// Wire shape of the bootstrap JSON (§ external interfaces). Unknown fields
// are ignored; missing optional fields take documented defaults at load time.

// BootstrapFile is the top-level bootstrap document.
type BootstrapFile struct {
	Scene BootstrapScene `json:"scene"`
}

// BootstrapScene holds the scene frame plus its rooms, objects and initial
// relations.
type BootstrapScene struct {
	ID        string              `json:"id"`
	Frame     string              `json:"frame"`
	Rooms     []BootstrapObject   `json:"rooms"`
	Objects   []BootstrapObject   `json:"objects"`
	Relations []BootstrapRelation `json:"relations"`
}

// BootstrapBBox is the wire form of an object's bounding box.
type BootstrapBBox struct {
	Type string `json:"type"`
	XYZ  Vec3   `json:"xyz"`
}

// BootstrapObject is the wire form of a node.
type BootstrapObject struct {
	ID    string         `json:"id"`
	Name  string         `json:"name,omitempty"`
	Class string         `json:"cls"`
	Pos   Vec3           `json:"pos"`
	Ori   *Quat          `json:"ori,omitempty"`
	BBox  BootstrapBBox  `json:"bbox"`
	Aff   []string       `json:"aff,omitempty"`
	Lom   string         `json:"lom,omitempty"`
	Conf  *float64       `json:"conf,omitempty"`
	State map[string]any `json:"state,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// BootstrapRelation is the wire form of an initial relation.
type BootstrapRelation struct {
	R     string             `json:"r"`
	A     string             `json:"a"`
	B     string             `json:"b"`
	Conf  *float64           `json:"conf,omitempty"`
	Props map[string]float64 `json:"props,omitempty"`
}

// Export is the deep-copied store state returned by snapshot() for
// serialization and visualization: every node, every committed relation with
// its confidence, and the full event log.
type Export struct {
	SceneID   string     `json:"scene_id"`
	Frame     string     `json:"frame"`
	Nodes     []Node     `json:"nodes"`
	Relations []Relation `json:"relations"`
	Events    []Event    `json:"events"`
}
