package model

import (
	"fmt"

	"github.com/goccy/go-json"
)

type hfConfig struct {
	ModelType         string          `json:"model_type"`
	HiddenSize        int             `json:"hidden_size"`
	NumHiddenLayers   int             `json:"num_hidden_layers"`
	NumAttentionHeads int             `json:"num_attention_heads"`
	NumKeyValueHeads  int             `json:"num_key_value_heads"`
	HeadDim           int             `json:"head_dim"`
	VocabSize         int             `json:"vocab_size"`
	EOSTokenID        json.RawMessage `json:"eos_token_id"`
}

func loadHFConfigBytes(raw []byte) (*hfConfig, error) {
	var cfg hfConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if err := mergeTextConfigMissing(&cfg, raw); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeTextConfigMissing fills fields from a nested text_config object, as
// found in multimodal checkpoints.
func mergeTextConfigMissing(dst *hfConfig, raw []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return err
	}
	textRaw, ok := top["text_config"]
	if !ok || len(textRaw) == 0 {
		return nil
	}
	var textCfg hfConfig
	if err := json.Unmarshal(textRaw, &textCfg); err != nil {
		return err
	}
	if dst.HiddenSize == 0 {
		dst.HiddenSize = textCfg.HiddenSize
	}
	if dst.NumHiddenLayers == 0 {
		dst.NumHiddenLayers = textCfg.NumHiddenLayers
	}
	if dst.NumAttentionHeads == 0 {
		dst.NumAttentionHeads = textCfg.NumAttentionHeads
	}
	if dst.NumKeyValueHeads == 0 {
		dst.NumKeyValueHeads = textCfg.NumKeyValueHeads
	}
	if dst.HeadDim == 0 {
		dst.HeadDim = textCfg.HeadDim
	}
	if dst.VocabSize == 0 {
		dst.VocabSize = textCfg.VocabSize
	}
	if len(dst.EOSTokenID) == 0 {
		dst.EOSTokenID = textCfg.EOSTokenID
	}
	return nil
}

// TopologyFromHFConfig derives a topology from a Hugging Face config.json.
// head_dim falls back to hidden_size/num_attention_heads and kv heads fall
// back to num_attention_heads. When eos_token_id is a list the first entry
// is used.
func TopologyFromHFConfig(raw []byte) (Topology, error) {
	cfg, err := loadHFConfigBytes(raw)
	if err != nil {
		return Topology{}, fmt.Errorf("%w: parse config.json: %v", ErrInvalidTopology, err)
	}
	topo := Topology{
		LayerCount: cfg.NumHiddenLayers,
		KVHeads:    cfg.NumKeyValueHeads,
		HeadDim:    cfg.HeadDim,
		VocabSize:  cfg.VocabSize,
		EOSTokenID: -1,
	}
	if topo.KVHeads == 0 {
		topo.KVHeads = cfg.NumAttentionHeads
	}
	if topo.HeadDim == 0 && cfg.NumAttentionHeads > 0 {
		if cfg.HiddenSize%cfg.NumAttentionHeads != 0 {
			return Topology{}, fmt.Errorf("%w: hidden_size %d not divisible by num_attention_heads %d",
				ErrInvalidTopology, cfg.HiddenSize, cfg.NumAttentionHeads)
		}
		topo.HeadDim = cfg.HiddenSize / cfg.NumAttentionHeads
	}
	if id, ok, err := parseTokenID(cfg.EOSTokenID); err != nil {
		return Topology{}, fmt.Errorf("%w: eos_token_id: %v", ErrInvalidTopology, err)
	} else if ok {
		topo.EOSTokenID = id
	}
	return topo, topo.Validate()
}

// parseTokenID accepts null, an integer, or a list of integers.
func parseTokenID(raw json.RawMessage) (int, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false, nil
	}
	var single int
	if err := json.Unmarshal(raw, &single); err == nil {
		return single, true, nil
	}
	var list []int
	if err := json.Unmarshal(raw, &list); err != nil {
		return 0, false, err
	}
	if len(list) == 0 {
		return 0, false, nil
	}
	return list[0], true, nil
}

// GenerationDefaults holds the sampling defaults published in a Hugging
// Face generation_config.json. Nil fields were absent.
type GenerationDefaults struct {
	Temperature       *float64 `json:"temperature"`
	TopK              *int     `json:"top_k"`
	TopP              *float64 `json:"top_p"`
	RepetitionPenalty *float64 `json:"repetition_penalty"`
}

// ParseGenerationDefaults decodes generation_config.json. Malformed input
// yields empty defaults.
func ParseGenerationDefaults(raw []byte) GenerationDefaults {
	if len(raw) == 0 {
		return GenerationDefaults{}
	}
	var cfg GenerationDefaults
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return GenerationDefaults{}
	}
	return cfg
}
