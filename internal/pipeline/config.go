package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/datakiln/datakiln/internal/platform/httpx"
	"github.com/datakiln/datakiln/internal/rbac"
)

// ValidateConfigReference rejects malformed run configuration references
// before path authorization runs. URLs are refused outright, the path must be
// absolute, and only YAML or JSON configurations are accepted. Namespace
// containment is enforced separately by path authorization.
func ValidateConfigReference(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("%w: config path required", httpx.ErrInvalidArgument)
	}
	if strings.Contains(path, "://") {
		return fmt.Errorf("%w: config must be a local path, not a URL", httpx.ErrInvalidArgument)
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("%w: config path must be absolute", httpx.ErrInvalidArgument)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return nil
	}
	return fmt.Errorf("%w: config must be a .yaml, .yml or .json file", httpx.ErrInvalidArgument)
}

// ValidateConfigPaths parses a pipeline configuration and checks that every
// filesystem path it references stays inside the namespace directory. The
// config file location itself is vetted by path authorization; this guards
// the output, intermediate and file-dataset paths written inside it. YAML is
// a superset of JSON, so one parser covers both.
func ValidateConfigPaths(root, namespace, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: pipeline config not found", httpx.ErrNotFound)
		}
		return err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil || doc == nil {
		return fmt.Errorf("%w: invalid pipeline config", httpx.ErrInvalidArgument)
	}

	check := func(value any, label string) error {
		if value == nil {
			return nil
		}
		s, ok := value.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return fmt.Errorf("%w: invalid %s in pipeline config", httpx.ErrInvalidArgument, label)
		}
		if strings.Contains(s, "://") {
			return fmt.Errorf("%w: non-local paths are not allowed for %s", httpx.ErrInvalidArgument, label)
		}
		if !filepath.IsAbs(s) {
			return fmt.Errorf("%w: %s must be absolute", httpx.ErrInvalidArgument, label)
		}
		ns, _, err := rbac.ResolveNamespaceFromPath(root, s)
		if err != nil || ns != namespace {
			return fmt.Errorf("%w: %s must be under the namespace directory", httpx.ErrInvalidArgument, label)
		}
		return nil
	}

	if p, ok := doc["pipeline"].(map[string]any); ok {
		if output, ok := p["output"].(map[string]any); ok {
			if err := check(output["path"], "pipeline.output.path"); err != nil {
				return err
			}
			if err := check(output["intermediate_dir"], "pipeline.output.intermediate_dir"); err != nil {
				return err
			}
		}
	}
	if datasets, ok := doc["datasets"].(map[string]any); ok {
		for name, raw := range datasets {
			entry, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if entry["type"] == "file" {
				if err := check(entry["path"], "datasets."+name+".path"); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
