// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file, expands environment variable
// references, applies defaults, and validates the result. A missing
// path is not an error: Load returns an all-defaults Config, matching
// how the teacher treats an absent config file as "use the env/defaults."
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				cfg.SetDefaults()
				return cfg, cfg.Validate()
			}
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}

		var doc map[string]interface{}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}

		expanded := ExpandEnvVarsInData(doc)
		reencoded, err := yaml.Marshal(expanded)
		if err != nil {
			return nil, fmt.Errorf("config: re-encode %s: %w", path, err)
		}
		if err := yaml.Unmarshal(reencoded, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
