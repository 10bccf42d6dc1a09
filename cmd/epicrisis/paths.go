package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/samcharles93/epicrisis/internal/api"
)

// resolveModelPath returns the --model value, or the only model under the
// models directory (flag, config or EPICRISIS_MODELS_DIR).
func resolveModelPath(modelFlag, modelsPath string, stderr io.Writer) (string, error) {
	modelFlag = strings.TrimSpace(modelFlag)
	if modelFlag != "" {
		return filepath.Clean(modelFlag), nil
	}

	modelsDir := strings.TrimSpace(modelsPath)
	if modelsDir == "" {
		modelsDir = strings.TrimSpace(os.Getenv(api.EnvModelsDir))
	}
	if modelsDir == "" {
		return "", fmt.Errorf("--model or --models-path is required unless %s is set", api.EnvModelsDir)
	}

	models, err := api.DiscoverModels(modelsDir)
	if err != nil {
		return "", err
	}
	switch len(models) {
	case 0:
		return "", fmt.Errorf("no models found in %s", modelsDir)
	case 1:
		_, _ = fmt.Fprintf(stderr, "using model %s\n", models[0])
		return models[0], nil
	default:
		names := make([]string, len(models))
		for i, m := range models {
			names[i] = filepath.Base(m)
		}
		return "", fmt.Errorf("multiple models found in %s (%s); set --model", modelsDir, strings.Join(names, ", "))
	}
}
