package proctype

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type typesFile struct {
	Types []ProcessType `yaml:"process_types"`
}

// LoadFile registers every process type declared in a YAML document:
//
//	process_types:
//	  - name: demo
//	    description: three echoes
//	    tasks:
//	      - name: A
//	        command: echo one
//	        timeout_minutes: 1
//
// Missing per-task fields pick up the registry defaults.
func LoadFile(r *Registry, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read process types file: %w", err)
	}
	var f typesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("parse process types file: %w", err)
	}
	for _, pt := range f.Types {
		if err := r.Register(pt); err != nil {
			return 0, fmt.Errorf("register %q: %w", pt.Name, err)
		}
	}
	return len(f.Types), nil
}
