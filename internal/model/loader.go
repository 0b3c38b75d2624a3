package model

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"YrestData/internal/logger"

	"gopkg.in/yaml.v3"
	sigsyaml "sigs.k8s.io/yaml"
)

// LoadModelsFromDir читает *.yml, *.yaml и *.json из dir и регистрирует модели.
func LoadModelsFromDir(r *Registry, dir string) error {
	var files []string
	for _, pattern := range []string{"*.yml", "*.yaml", "*.json"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return err
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

		var def *ModelDefinition
		if strings.EqualFold(filepath.Ext(path), ".json") {
			def, err = decodeJSONModel(data)
		} else {
			def, err = decodeYAMLModel(data)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if def.Name == "" {
			def.Name = name
		}
		if err := r.Set(def); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		logger.Info("model_loaded", map[string]any{
			"model":      def.Name,
			"file":       filepath.Base(path),
			"fields":     len(def.Fields),
			"privileges": len(def.Privileges),
		})
	}
	return nil
}

// InitRegistry загружает каталог моделей и связывает их.
func InitRegistry(dir string, opts ...RegistryOption) (*Registry, error) {
	r := NewRegistry(opts...)
	if err := LoadModelsFromDir(r, dir); err != nil {
		return nil, fmt.Errorf("load error: %w", err)
	}
	if err := r.Link(); err != nil {
		return nil, fmt.Errorf("link error: %w", err)
	}
	return r, nil
}

func decodeYAMLModel(data []byte) (*ModelDefinition, error) {
	// 1. Разбираем в yaml.Node для структурной валидации
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	// YAML всегда [0] - документ, [1] - root mapping
	if len(root.Content) == 0 {
		return nil, fmt.Errorf("empty YAML")
	}
	if err := validateYAMLNode(root.Content[0], "model"); err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}
	// 2. Теперь уже Decode в модель
	var def ModelDefinition
	if err := root.Decode(&def); err != nil {
		return nil, fmt.Errorf("unmarshal error: %w", err)
	}
	return &def, nil
}

// JSON-схемы проходят ту же проверку ключей: JSON конвертируется в YAML-дерево.
func decodeJSONModel(data []byte) (*ModelDefinition, error) {
	asYAML, err := sigsyaml.JSONToYAML(data)
	if err != nil {
		return nil, fmt.Errorf("JSON parse error: %w", err)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(asYAML, &root); err != nil {
		return nil, fmt.Errorf("JSON parse error: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, fmt.Errorf("empty JSON")
	}
	if err := validateYAMLNode(root.Content[0], "model"); err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}
	var def ModelDefinition
	if err := sigsyaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("unmarshal error: %w", err)
	}
	return &def, nil
}
