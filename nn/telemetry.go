package nn

// ModelTelemetry represents a single network's structure
type ModelTelemetry struct {
	ID          string           `json:"id"`
	TotalLayers int              `json:"total_layers"`
	TotalParams int              `json:"total_parameters"`
	Layers      []LayerTelemetry `json:"layers"`
}

// LayerTelemetry contains metadata about a specific layer
type LayerTelemetry struct {
	Index      int    `json:"index"`
	Type       string `json:"type"`
	Activation string `json:"activation,omitempty"`
	Parameters int    `json:"parameters"`

	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`
}

// ExtractNetworkBlueprint extracts telemetry data from a network.
func ExtractNetworkBlueprint(n *Network, modelID string) ModelTelemetry {
	telemetry := ModelTelemetry{
		ID:          modelID,
		TotalLayers: len(n.layers),
		Layers:      make([]LayerTelemetry, 0, len(n.layers)),
	}

	for i, l := range n.layers {
		params := len(l.weight.Data) + len(l.bias.Data)
		telemetry.Layers = append(telemetry.Layers, LayerTelemetry{
			Index:       i,
			Type:        "dense",
			Activation:  activationToString(l.activation),
			Parameters:  params,
			InputShape:  []int{l.inputSize},
			OutputShape: []int{l.outputSize},
		})
		telemetry.TotalParams += params
	}
	return telemetry
}
