package game

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// QueueDef is the static definition of a queue type, loaded from YAML.
type QueueDef struct {
	Name           string         `yaml:"name"`
	Game           string         `yaml:"game"` // "duel" | "lua"
	BatchSize      int            `yaml:"batch_size"`
	TicksPerSecond int            `yaml:"ticks_per_second"` // 0 = server default
	Script         string         `yaml:"script"`           // lua only, relative to the scripts dir
	Params         map[string]any `yaml:"params"`
}

// ParseQueueDef decodes a single YAML queue definition. Unknown keys are rejected.
func ParseQueueDef(data []byte) (QueueDef, error) {
	var def QueueDef
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return QueueDef{}, err
	}
	if def.Name == "" {
		return QueueDef{}, fmt.Errorf("queue definition missing name")
	}
	return def, nil
}

// LoadQueueDefs reads every *.yaml file in dir, sorted by file name.
//
// Precondition: dir must be a readable directory.
// Postcondition: Returns all definitions, or an error if any file fails to parse
// or two files declare the same queue name.
func LoadQueueDefs(dir string) ([]QueueDef, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading queue dir %q: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !(strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)

	seen := make(map[string]string, len(files))
	defs := make([]QueueDef, 0, len(files))
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %q: %w", path, err)
		}
		def, err := ParseQueueDef(data)
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", path, err)
		}
		if prev, dup := seen[def.Name]; dup {
			return nil, fmt.Errorf("queue %q declared in both %q and %q", def.Name, prev, path)
		}
		seen[def.Name] = path
		defs = append(defs, def)
	}
	return defs, nil
}
