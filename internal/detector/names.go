package detector

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// NamesFiles are searched in a model folder for the label table, in order
var NamesFiles = []string{"names.yaml", "data.yaml", "metadata.yaml"}

// LoadNames reads the label table stored next to exported weights. The
// "names" key may be a list or an id to name mapping. A folder without any
// names file yields an empty table.
func LoadNames(folder string) (map[int]string, error) {
	for _, file := range NamesFiles {
		path := filepath.Join(folder, file)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}

		var doc struct {
			Names interface{} `yaml:"names"`
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if doc.Names == nil {
			continue
		}
		names, err := parseNameTable(doc.Names)
		if err != nil {
			return nil, fmt.Errorf("invalid names in %s: %w", path, err)
		}
		return names, nil
	}
	return map[int]string{}, nil
}

func parseNameTable(raw interface{}) (map[int]string, error) {
	names := make(map[int]string)
	switch v := raw.(type) {
	case []interface{}:
		for i, name := range v {
			names[i] = cast.ToString(name)
		}
	case map[string]interface{}:
		for k, name := range v {
			id, err := cast.ToIntE(k)
			if err != nil {
				return nil, fmt.Errorf("class id %q: %w", k, err)
			}
			names[id] = cast.ToString(name)
		}
	case map[interface{}]interface{}:
		for k, name := range v {
			id, err := cast.ToIntE(k)
			if err != nil {
				return nil, fmt.Errorf("class id %v: %w", k, err)
			}
			names[id] = cast.ToString(name)
		}
	default:
		return nil, fmt.Errorf("unsupported names type %T", raw)
	}
	return names, nil
}
