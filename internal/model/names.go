package model

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ErrUnresolvedName is returned when a graph does not expose a name the
// contract requires.
var ErrUnresolvedName = errors.New("unresolved tensor name")

// LayerPlaceholder is substituted with the layer index in per-layer names.
const LayerPlaceholder = "{layer}"

// IONames is the explicit name-mapping contract between the decode loop and
// an exported decoder graph. Per-layer names contain LayerPlaceholder.
type IONames struct {
	InputIDs      string `yaml:"input_ids" json:"input_ids"`
	AttentionMask string `yaml:"attention_mask" json:"attention_mask"`
	PositionIDs   string `yaml:"position_ids" json:"position_ids"`
	PastKey       string `yaml:"past_key" json:"past_key"`
	PastValue     string `yaml:"past_value" json:"past_value"`
	Logits        string `yaml:"logits" json:"logits"`
	PresentKey    string `yaml:"present_key" json:"present_key"`
	PresentValue  string `yaml:"present_value" json:"present_value"`
}

// DefaultIONames returns the naming used by optimum/transformers.js ONNX
// decoder exports.
func DefaultIONames() IONames {
	return IONames{
		InputIDs:      "input_ids",
		AttentionMask: "attention_mask",
		PositionIDs:   "position_ids",
		PastKey:       "past_key_values.{layer}.key",
		PastValue:     "past_key_values.{layer}.value",
		Logits:        "logits",
		PresentKey:    "present.{layer}.key",
		PresentValue:  "present.{layer}.value",
	}
}

// WithDefaults fills empty fields from DefaultIONames.
func (n IONames) WithDefaults() IONames {
	def := DefaultIONames()
	fill := func(dst *string, v string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = v
		}
	}
	fill(&n.InputIDs, def.InputIDs)
	fill(&n.AttentionMask, def.AttentionMask)
	fill(&n.PositionIDs, def.PositionIDs)
	fill(&n.PastKey, def.PastKey)
	fill(&n.PastValue, def.PastValue)
	fill(&n.Logits, def.Logits)
	fill(&n.PresentKey, def.PresentKey)
	fill(&n.PresentValue, def.PresentValue)
	return n
}

// Validate checks that per-layer names carry the layer placeholder and that
// past and present names differ.
func (n IONames) Validate() error {
	for field, v := range map[string]string{
		"past_key":      n.PastKey,
		"past_value":    n.PastValue,
		"present_key":   n.PresentKey,
		"present_value": n.PresentValue,
	} {
		if !strings.Contains(v, LayerPlaceholder) {
			return fmt.Errorf("%w: io_names.%s %q lacks %s", ErrInvalidTopology, field, v, LayerPlaceholder)
		}
	}
	if n.PastKey == n.PresentKey || n.PastValue == n.PresentValue {
		return fmt.Errorf("%w: past and present names must differ", ErrInvalidTopology)
	}
	for field, v := range map[string]string{
		"input_ids":      n.InputIDs,
		"attention_mask": n.AttentionMask,
		"position_ids":   n.PositionIDs,
		"logits":         n.Logits,
	} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: io_names.%s is empty", ErrInvalidTopology, field)
		}
	}
	return nil
}

func layerName(pattern string, layer int) string {
	return strings.ReplaceAll(pattern, LayerPlaceholder, strconv.Itoa(layer))
}

func (n IONames) PastKeyName(layer int) string { return layerName(n.PastKey, layer) }
func (n IONames) PastValueName(layer int) string { return layerName(n.PastValue, layer) }
func (n IONames) PresentKeyName(layer int) string { return layerName(n.PresentKey, layer) }
func (n IONames) PresentValueName(layer int) string { return layerName(n.PresentValue, layer) }

// Inputs lists every input name the decode loop feeds for a graph with the
// given number of layers.
func (n IONames) Inputs(layers int) []string {
	out := make([]string, 0, 3+2*layers)
	out = append(out, n.InputIDs, n.AttentionMask, n.PositionIDs)
	for i := range layers {
		out = append(out, n.PastKeyName(i), n.PastValueName(i))
	}
	return out
}

// Outputs lists every output name the decode loop reads.
func (n IONames) Outputs(layers int) []string {
	out := make([]string, 0, 1+2*layers)
	out = append(out, n.Logits)
	for i := range layers {
		out = append(out, n.PresentKeyName(i), n.PresentValueName(i))
	}
	return out
}

// Resolve checks the contract against the names a session advertises and
// reports every missing name at once. Names must match exactly.
func (n IONames) Resolve(inputs, outputs []string, layers int) error {
	var missing []string
	for _, name := range n.Inputs(layers) {
		if !slices.Contains(inputs, name) {
			missing = append(missing, "input "+name)
		}
	}
	for _, name := range n.Outputs(layers) {
		if !slices.Contains(outputs, name) {
			missing = append(missing, "output "+name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	const maxListed = 6
	listed := missing
	suffix := ""
	if len(listed) > maxListed {
		listed = listed[:maxListed]
		suffix = fmt.Sprintf(" (and %d more)", len(missing)-maxListed)
	}
	return fmt.Errorf("%w: %s%s", ErrUnresolvedName, strings.Join(listed, ", "), suffix)
}
