package connections

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Connections []Connection `yaml:"connections"`
}

// LoadSeedFile reads the initial connection list from YAML. ${VAR} references
// are expanded from the environment so keys need not live in the file.
//
//	connections:
//	  - name: openai
//	    api_endpoint: https://api.openai.com/v1
//	    api_key: ${OPENAI_API_KEY}
//	    model: gpt-4o-mini
func LoadSeedFile(path string) ([]Connection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read connections file %s: %w", path, err)
	}
	var f seedFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parse connections file %s: %w", path, err)
	}
	for i := range f.Connections {
		if err := validate(&f.Connections[i]); err != nil {
			return nil, fmt.Errorf("connections file %s entry %d: %w", path, i, err)
		}
	}
	return f.Connections, nil
}
