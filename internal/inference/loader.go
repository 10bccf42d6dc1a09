package inference

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samcharles93/epicrisis/internal/engine"
	"github.com/samcharles93/epicrisis/internal/logger"
	"github.com/samcharles93/epicrisis/internal/model"
	"github.com/samcharles93/epicrisis/internal/tokenizer"
	"github.com/samcharles93/epicrisis/internal/toy"
)

// DefaultToyHidden is the width of a randomly initialised reference decoder.
const DefaultToyHidden = 64

// SessionOpener opens a backend session for a weights file. It is consulted
// before the built-in safetensors backend.
type SessionOpener func(weightsPath string, spec model.Spec) (engine.Session, error)

type Loader struct {
	// TokenizerDir overrides where tokenizer.json is looked up.
	TokenizerDir string
	// TopologyPath overrides the topology file.
	TopologyPath string
	// Expect pins the tokenizer class and eos id. Nil skips the check.
	Expect *tokenizer.Expectation
	// RequireTokenizer fails the load when no tokenizer.json is found.
	RequireTokenizer bool

	// Open, when set, opens non-safetensors weights such as exported ONNX
	// graphs.
	Open SessionOpener

	// ToyHidden and ToySeed configure the random reference decoder used when
	// the model directory has no weights file of any kind.
	ToyHidden int
	ToySeed   int64

	Logger logger.Logger
}

type LoadResult struct {
	Spec     model.Spec
	SpecPath string
	Session  engine.Session
	// Tokenizer is nil when none was found and none was required.
	Tokenizer *tokenizer.HFTokenizer
	Defaults  model.GenerationDefaults

	ModelDir     string
	TokenizerDir string
	// WeightsPath is empty for a randomly initialised decoder.
	WeightsPath string
}

// Load resolves modelPath, which names a model directory or a weights file
// inside one, into a bound session, its topology and its tokenizer. Every
// failure wraps ErrConfiguration.
func (l Loader) Load(modelPath string) (*LoadResult, error) {
	if strings.TrimSpace(modelPath) == "" {
		return nil, newConfigurationError("load", errors.New("model path is required"))
	}
	log := l.Logger
	if log == nil {
		log = logger.Discard()
	}

	st, err := os.Stat(modelPath)
	if err != nil {
		return nil, newConfigurationError("load", err)
	}
	res := &LoadResult{}
	if st.IsDir() {
		res.ModelDir = modelPath
		res.WeightsPath, err = findWeights(modelPath)
		if err != nil {
			return nil, newConfigurationError("weights", err)
		}
	} else {
		res.ModelDir = filepath.Dir(modelPath)
		res.WeightsPath = modelPath
	}

	res.TokenizerDir = l.TokenizerDir
	if res.TokenizerDir == "" {
		res.TokenizerDir = findTokenizerDir(res.ModelDir)
	}

	res.Spec, res.SpecPath, err = l.findSpec(res.ModelDir, res.TokenizerDir)
	if err != nil {
		return nil, newConfigurationError("topology", err)
	}
	log.Debug("topology resolved", "path", res.SpecPath, "layers", res.Spec.LayerCount,
		"kv_heads", res.Spec.KVHeads, "head_dim", res.Spec.HeadDim, "vocab", res.Spec.VocabSize)

	if err := l.loadTokenizer(res, log); err != nil {
		return nil, err
	}

	res.Defaults = readGenerationDefaults(res.ModelDir, res.TokenizerDir)

	sess, err := l.openSession(res, log)
	if err != nil {
		return nil, err
	}
	if err := engine.Bind(sess, res.Spec); err != nil {
		_ = sess.Close()
		return nil, newConfigurationError("io names", err)
	}
	res.Session = sess
	return res, nil
}

func (l Loader) findSpec(modelDir, tokDir string) (model.Spec, string, error) {
	spec, path, err := model.FindSpec(modelDir, l.TopologyPath)
	if err == nil || l.TopologyPath != "" || path != "" || tokDir == "" || tokDir == modelDir {
		return spec, path, err
	}
	// An exported graph often sits in a subdirectory of the checkpoint
	// that carries config.json.
	return model.FindSpec(tokDir, "")
}

func (l Loader) loadTokenizer(res *LoadResult, log logger.Logger) error {
	if res.TokenizerDir == "" {
		if l.RequireTokenizer {
			return newConfigurationError("tokenizer", fmt.Errorf("no tokenizer.json near %s", res.ModelDir))
		}
		log.Warn("no tokenizer found, prompts must be given as token ids", "model_dir", res.ModelDir)
		return nil
	}
	tok, err := tokenizer.LoadDir(res.TokenizerDir)
	if err != nil {
		return newConfigurationError("tokenizer", err)
	}
	if l.Expect != nil {
		if err := l.Expect.Check(tok); err != nil {
			return newConfigurationError("tokenizer", err)
		}
	}
	if res.Spec.HasEOS() && tok.EOSTokenID() >= 0 && tok.EOSTokenID() != res.Spec.EOSTokenID {
		return newConfigurationError("eos", fmt.Errorf("tokenizer eos %d does not match topology eos %d", tok.EOSTokenID(), res.Spec.EOSTokenID))
	}
	if n := tok.VocabSize(); n > res.Spec.VocabSize {
		log.Warn("tokenizer vocabulary exceeds model vocabulary", "tokenizer", n, "model", res.Spec.VocabSize)
	}
	res.Tokenizer = tok
	log.Debug("tokenizer loaded", "dir", res.TokenizerDir, "class", tok.Class(), "eos", tok.EOSTokenID())
	return nil
}

func (l Loader) openSession(res *LoadResult, log logger.Logger) (engine.Session, error) {
	if l.Open != nil && res.WeightsPath != "" {
		sess, err := l.Open(res.WeightsPath, res.Spec)
		if err != nil {
			return nil, newConfigurationError("open session", err)
		}
		if sess != nil {
			return sess, nil
		}
	}
	switch {
	case res.WeightsPath == "":
		hidden := l.ToyHidden
		if hidden <= 0 {
			hidden = DefaultToyHidden
		}
		log.Warn("no weights file found, using a randomly initialised reference decoder",
			"model_dir", res.ModelDir, "hidden", hidden, "seed", l.ToySeed)
		dec, err := toy.New(res.Spec, hidden, l.ToySeed)
		if err != nil {
			return nil, newConfigurationError("open session", err)
		}
		return dec, nil
	case strings.EqualFold(filepath.Ext(res.WeightsPath), ".safetensors"):
		dec, err := toy.Load(res.WeightsPath, res.Spec)
		if err != nil {
			return nil, newConfigurationError("open session", err)
		}
		return dec, nil
	default:
		return nil, newConfigurationError("open session",
			fmt.Errorf("no backend for %s (supported: .safetensors reference decoder)", filepath.Base(res.WeightsPath)))
	}
}

// Close releases the session.
func (r *LoadResult) Close() error {
	if r == nil || r.Session == nil {
		return nil
	}
	return r.Session.Close()
}

// Generator binds a Generator to the loaded session and tokenizer.
func (r *LoadResult) Generator(opts ...GeneratorOption) (*Generator, error) {
	var tok tokenizer.Tokenizer
	if r.Tokenizer != nil {
		tok = r.Tokenizer
	}
	return NewGenerator(r.Session, r.Spec, tok, opts...)
}

// weightsExts are the file types findWeights considers.
var weightsExts = []string{".safetensors", ".onnx"}

// findWeights picks the weights file in dir: model.safetensors when present,
// otherwise the only safetensors or ONNX file. It returns "" only when dir
// holds no weights at all, and an error when the choice is ambiguous, which
// includes sharded checkpoints.
func findWeights(dir string) (string, error) {
	preferred := filepath.Join(dir, "model.safetensors")
	if fileExists(preferred) {
		return preferred, nil
	}
	var found []string
	for _, ext := range weightsExts {
		matches, err := filepath.Glob(filepath.Join(dir, "*"+ext))
		if err != nil {
			return "", err
		}
		for _, m := range matches {
			if fileExists(m) {
				found = append(found, m)
			}
		}
	}
	switch len(found) {
	case 0:
		return "", nil
	case 1:
		return found[0], nil
	}
	names := make([]string, len(found))
	for i, f := range found {
		names[i] = filepath.Base(f)
	}
	return "", fmt.Errorf("%d weights files in %s (%s); sharded checkpoints are not supported, pass the file to load as the model path",
		len(found), dir, strings.Join(names, ", "))
}

// findTokenizerDir looks for tokenizer.json in dir and then in its parent,
// which covers checkpoints whose graph lives in an onnx/ subdirectory.
func findTokenizerDir(dir string) string {
	for _, d := range []string{dir, filepath.Dir(dir)} {
		if fileExists(filepath.Join(d, "tokenizer.json")) {
			return d
		}
	}
	return ""
}

func readGenerationDefaults(dirs ...string) model.GenerationDefaults {
	for _, d := range dirs {
		if d == "" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(d, "generation_config.json"))
		if err == nil {
			return model.ParseGenerationDefaults(raw)
		}
	}
	return model.GenerationDefaults{}
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
