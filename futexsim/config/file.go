// Copyright 2018 The gVisor Authors.
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
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/tailscale/hujson"
)

// ApplyFile sets flags in flagSet from the configuration file at path. Keys
// are flag names. Flags already set on the command line keep their value.
//
// Files ending in .toml are decoded as TOML; anything else is decoded as JSON
// that may contain comments and trailing commas.
func ApplyFile(flagSet *flag.FlagSet, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	values, err := decodeFile(path, data)
	if err != nil {
		return fmt.Errorf("decoding config file %q: %w", path, err)
	}

	explicit := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})

	// Apply in a stable order so errors are reproducible.
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if flagSet.Lookup(name) == nil {
			return fmt.Errorf("config file %q: unknown setting %q", path, name)
		}
		if explicit[name] {
			continue
		}
		val, err := flagString(values[name])
		if err != nil {
			return fmt.Errorf("config file %q: setting %q: %w", path, name, err)
		}
		if err := flagSet.Set(name, val); err != nil {
			return fmt.Errorf("config file %q: setting %s=%q: %w", path, name, val, err)
		}
	}
	return nil
}

func decodeFile(path string, data []byte) (map[string]any, error) {
	values := make(map[string]any)
	if filepath.Ext(path) == ".toml" {
		if _, err := toml.Decode(string(data), &values); err != nil {
			return nil, err
		}
		return values, nil
	}
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(standardized, &values); err != nil {
		return nil, err
	}
	return values, nil
}

// flagString converts a decoded scalar to the string form flag.Value.Set
// accepts.
func flagString(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		// JSON numbers decode as float64.
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported value %v of type %T", v, v)
	}
}
