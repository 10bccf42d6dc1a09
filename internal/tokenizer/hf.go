package tokenizer

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

// HFTokenizer is a byte-level BPE tokenizer loaded from a Hugging Face
// tokenizer.json, as used by Qwen2 and GPT-2 style models.
type HFTokenizer struct {
	encoder      map[string]int
	decoder      []string
	bpeRanks     map[Pair]int
	cacheMu      sync.Mutex
	cache        map[string][]string
	byteEncoder  map[byte]string
	byteDecoder  map[string]byte
	pattern      *regexp.Regexp
	addBOS       bool
	addEOS       bool
	bosID        int
	eosID        int
	unkID        int
	ignoreMerges bool
	special      []string
	specialIDs   map[int]struct{}
	class        string
	chatTemplate string
}

type hfPreTokenizer struct {
	Type          string `json:"type"`
	Pretokenizers []struct {
		Type    string `json:"type"`
		Pattern struct {
			Regex string `json:"Regex"`
		} `json:"pattern"`
	} `json:"pretokenizers"`
}

type hfTokenizerJSON struct {
	Model struct {
		Type         string         `json:"type"`
		Vocab        map[string]int `json:"vocab"`
		Merges       []any          `json:"merges"`
		IgnoreMerges bool           `json:"ignore_merges"`
		UnkToken     string         `json:"unk_token"`
	} `json:"model"`
	PreTokenizer  hfPreTokenizer `json:"pre_tokenizer"`
	PostProcessor struct {
		Type       string `json:"type"`
		Processors []struct {
			Type          string `json:"type"`
			SpecialTokens map[string]struct {
				IDs []int `json:"ids"`
			} `json:"special_tokens"`
		} `json:"processors"`
	} `json:"post_processor"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

type hfTokenizerConfig struct {
	AddBOS         bool            `json:"add_bos_token"`
	AddEOS         bool            `json:"add_eos_token"`
	BOS            json.RawMessage `json:"bos_token"`
	EOS            json.RawMessage `json:"eos_token"`
	TokenizerClass string          `json:"tokenizer_class"`
	ChatTemplate   json.RawMessage `json:"chat_template"`
}

// LoadHFTokenizer reads tokenizer.json and, when tokConfig is non-empty,
// tokenizer_config.json.
func LoadHFTokenizer(tokJSON, tokConfig string) (*HFTokenizer, error) {
	data, err := os.ReadFile(tokJSON)
	if err != nil {
		return nil, err
	}
	var cfg []byte
	if tokConfig != "" {
		if raw, err := os.ReadFile(tokConfig); err == nil {
			cfg = raw
		}
	}
	return LoadHFTokenizerBytes(data, cfg)
}

func LoadHFTokenizerBytes(tokJSON []byte, tokConfig []byte) (*HFTokenizer, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	if strings.ToUpper(tj.Model.Type) != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model: %s", tj.Model.Type)
	}

	encoder := make(map[string]int, len(tj.Model.Vocab)+len(tj.AddedTokens))
	maxID := -1
	for tok, id := range tj.Model.Vocab {
		encoder[tok] = id
		maxID = max(maxID, id)
	}
	for _, at := range tj.AddedTokens {
		encoder[at.Content] = at.ID
		maxID = max(maxID, at.ID)
	}
	decoder := make([]string, maxID+1)
	for tok, id := range tj.Model.Vocab {
		decoder[id] = tok
	}
	added := make([]string, 0, len(tj.AddedTokens))
	specialIDs := make(map[int]struct{})
	for _, at := range tj.AddedTokens {
		decoder[at.ID] = at.Content
		added = append(added, at.Content)
		if at.Special {
			specialIDs[at.ID] = struct{}{}
		}
	}

	bpeRanks := make(map[Pair]int, len(tj.Model.Merges))
	rank := 0
	for _, raw := range tj.Model.Merges {
		line := ""
		switch v := raw.(type) {
		case string:
			line = v
		case []any:
			if len(v) == 2 {
				a, aok := v[0].(string)
				b, bok := v[1].(string)
				if aok && bok {
					line = a + " " + b
				}
			}
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, " ")
		if len(parts) != 2 {
			continue
		}
		p := Pair{A: parts[0], B: parts[1]}
		if _, ok := bpeRanks[p]; !ok {
			bpeRanks[p] = rank
			rank++
		}
	}

	byteEncoder, byteDecoder := byteLevelTables()
	pat, err := buildHFPattern(tj.PreTokenizer)
	if err != nil {
		return nil, err
	}

	var cfg hfTokenizerConfig
	if len(tokConfig) > 0 {
		if err := json.Unmarshal(tokConfig, &cfg); err != nil {
			return nil, fmt.Errorf("parse tokenizer_config.json: %w", err)
		}
	}

	addBOS := cfg.AddBOS
	addEOS := cfg.AddEOS
	bosID := lookupToken(encoder, cfg.BOS)
	eosID := lookupToken(encoder, cfg.EOS)
	// If TemplateProcessing defines a BOS token, use it.
	for _, proc := range tj.PostProcessor.Processors {
		if proc.Type == "TemplateProcessing" {
			for _, spec := range proc.SpecialTokens {
				if len(spec.IDs) > 0 {
					bosID = spec.IDs[0]
					addBOS = true
					break
				}
			}
		}
	}

	unkID := -1
	if tj.Model.UnkToken != "" {
		if id, ok := encoder[tj.Model.UnkToken]; ok {
			unkID = id
		}
	}

	tok := &HFTokenizer{
		encoder:      encoder,
		decoder:      decoder,
		bpeRanks:     bpeRanks,
		cache:        make(map[string][]string),
		byteEncoder:  byteEncoder,
		byteDecoder:  byteDecoder,
		pattern:      pat,
		addBOS:       addBOS,
		addEOS:       addEOS,
		bosID:        bosID,
		eosID:        eosID,
		unkID:        unkID,
		ignoreMerges: tj.Model.IgnoreMerges,
		special:      collectSpecials(added),
		specialIDs:   specialIDs,
		class:        cfg.TokenizerClass,
		chatTemplate: parseChatTemplate(cfg.ChatTemplate),
	}
	return tok, nil
}

// lookupToken resolves a token given either as a plain string or as an
// AddedToken object with a "content" field.
func lookupToken(encoder map[string]int, raw json.RawMessage) int {
	if len(raw) == 0 || string(raw) == "null" {
		return -1
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var obj struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return -1
		}
		s = obj.Content
	}
	if id, ok := encoder[s]; ok {
		return id
	}
	return -1
}

// parseChatTemplate accepts a template string or a list of named templates,
// preferring the one named "default".
func parseChatTemplate(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var named []struct {
		Name     string `json:"name"`
		Template string `json:"template"`
	}
	if err := json.Unmarshal(raw, &named); err != nil || len(named) == 0 {
		return ""
	}
	for _, n := range named {
		if n.Name == "default" {
			return n.Template
		}
	}
	return named[0].Template
}

func (t *HFTokenizer) Encode(text string, addSpecial bool) ([]int, error) {
	var ids []int
	if addSpecial && t.addBOS && t.bosID >= 0 {
		ids = append(ids, t.bosID)
	}
	for _, part := range splitAdded(text, t.special) {
		if part.added {
			id, ok := t.encoder[part.text]
			if !ok {
				return nil, fmt.Errorf("unknown special token: %q", part.text)
			}
			ids = append(ids, id)
			continue
		}
		for _, token := range t.pretokenize(part.text) {
			encoded := t.byteEncode(token)
			for _, bpeTok := range t.bpe(encoded) {
				id, ok := t.encoder[bpeTok]
				if !ok {
					if t.unkID >= 0 {
						ids = append(ids, t.unkID)
						continue
					}
					return nil, fmt.Errorf("unknown token: %q", bpeTok)
				}
				ids = append(ids, id)
			}
		}
	}
	if addSpecial && t.addEOS && t.eosID >= 0 {
		ids = append(ids, t.eosID)
	}
	return ids, nil
}

func (t *HFTokenizer) Decode(ids []int, skipSpecial bool) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			// Model vocabularies are often padded past the tokenizer's.
			if skipSpecial {
				continue
			}
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		if _, ok := t.specialIDs[id]; ok {
			if !skipSpecial {
				b = append(b, t.decoder[id]...)
			}
			continue
		}
		token := t.decoder[id]
		if isChatMarker(token) {
			if !skipSpecial {
				b = append(b, token...)
			}
			continue
		}
		for _, r := range token {
			if by, ok := t.byteDecoder[string(r)]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	return string(b), nil
}

func (t *HFTokenizer) EOSTokenID() int { return t.eosID }
func (t *HFTokenizer) BOSTokenID() int { return t.bosID }
func (t *HFTokenizer) VocabSize() int  { return len(t.decoder) }

// Class returns tokenizer_class from tokenizer_config.json, or "".
func (t *HFTokenizer) Class() string { return t.class }

// ChatTemplate returns the raw chat template, or "".
func (t *HFTokenizer) ChatTemplate() string { return t.chatTemplate }

func (t *HFTokenizer) TokenString(id int) string {
	if id < 0 || id >= len(t.decoder) {
		return ""
	}
	return t.decoder[id]
}

func (t *HFTokenizer) byteEncode(s string) string {
	var b strings.Builder
	for _, by := range []byte(s) {
		b.WriteString(t.byteEncoder[by])
	}
	return b.String()
}

// bpe merges token into vocabulary pieces. Results are memoized; the
// tokenizer may be shared by concurrent generations.
func (t *HFTokenizer) bpe(token string) []string {
	t.cacheMu.Lock()
	v, ok := t.cache[token]
	t.cacheMu.Unlock()
	if ok {
		return v
	}
	if t.ignoreMerges {
		if _, ok := t.encoder[token]; ok {
			out := []string{token}
			t.remember(token, out)
			return out
		}
	}
	word := symbols(token)
	for len(word) > 1 {
		i := lowestRankPair(word, t.bpeRanks)
		if i < 0 {
			break
		}
		word = merge(word, Pair{A: word[i], B: word[i+1]})
	}
	t.remember(token, word)
	return word
}

func (t *HFTokenizer) remember(token string, word []string) {
	t.cacheMu.Lock()
	t.cache[token] = word
	t.cacheMu.Unlock()
}

// pretokenize splits text with the pre-tokenizer regex. RE2 has no
// lookahead, so the `\s+(?!\S)` alternative is emulated by handing the last
// whitespace rune of a run to a following word or punctuation piece.
func (t *HFTokenizer) pretokenize(text string) []string {
	pieces := t.pattern.FindAllString(text, -1)
	for i := 0; i+1 < len(pieces); i++ {
		ws := pieces[i]
		if utf8.RuneCountInString(ws) < 2 || strings.TrimSpace(ws) != "" {
			continue
		}
		last, size := utf8.DecodeLastRuneInString(ws)
		if last == '\n' || last == '\r' {
			continue
		}
		next, _ := utf8.DecodeRuneInString(pieces[i+1])
		switch {
		case unicode.IsLetter(next):
		case last == ' ' && !unicode.IsSpace(next) && !unicode.IsNumber(next):
		default:
			continue
		}
		pieces[i] = ws[:len(ws)-size]
		pieces[i+1] = ws[len(ws)-size:] + pieces[i+1]
	}
	return pieces
}

const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`

func buildHFPattern(pre hfPreTokenizer) (*regexp.Regexp, error) {
	pat := gpt2Pattern
	if pre.Type == "Sequence" {
		for _, p := range pre.Pretokenizers {
			if p.Type == "Split" && p.Pattern.Regex != "" {
				pat = p.Pattern.Regex
				break
			}
		}
	}
	pat = strings.ReplaceAll(pat, `\s+(?!\S)|`, "")
	re, err := regexp.Compile(pat)
	if err != nil {
		return nil, fmt.Errorf("compile pre-tokenizer pattern: %w", err)
	}
	return re, nil
}
