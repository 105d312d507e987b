package component

// Direction for data flow
type Direction string

// Direction constants for port data flow
const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// Port describes one input or output of a node. Output ports are addressed by
// Index when wiring.
type Port struct {
	Name        string    `json:"name"`
	Index       int       `json:"index"`
	Direction   Direction `json:"direction"`
	Description string    `json:"description"`
}

// InputPort describes the single input most nodes have.
func InputPort(description string) Port {
	return Port{Name: "input", Direction: DirectionInput, Description: description}
}

// OutputPort describes output port index.
func OutputPort(index int, name, description string) Port {
	return Port{Name: name, Index: index, Direction: DirectionOutput, Description: description}
}

// HasOutput reports whether ports contain an output with the given index.
func HasOutput(ports []Port, index int) bool {
	for _, p := range ports {
		if p.Direction == DirectionOutput && p.Index == index {
			return true
		}
	}
	return false
}
