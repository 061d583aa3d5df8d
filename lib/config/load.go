// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config loads the site configuration file on top of the
// compiled-in defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ghodss/yaml"

	"github.com/mszcool/jobfleet/sdk/go/jobfleet"
)

// Load reads a YAML site configuration and returns it merged over the
// defaults.
func Load(rdr io.Reader) (*jobfleet.Config, error) {
	buf, err := io.ReadAll(rdr)
	if err != nil {
		return nil, err
	}

	// Load the config into a dummy map to get the deployment ID
	// keys, discarding the values; then set up defaults for each
	// deployment ID; then load the real config on top of the
	// defaults.
	var dummy struct {
		Deployments map[string]struct{}
	}
	if err := yaml.Unmarshal(buf, &dummy); err != nil {
		return nil, err
	}
	if len(dummy.Deployments) == 0 {
		return nil, errors.New("config does not define any deployments")
	}
	var cfg jobfleet.Config
	for id := range dummy.Deployments {
		err = yaml.Unmarshal(bytes.Replace(DefaultYAML, []byte("xxxxx"), []byte(id), -1), &cfg)
		if err != nil {
			return nil, fmt.Errorf("loading defaults for %s: %s", id, err)
		}
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile is Load on the named file.
func LoadFile(path string) (*jobfleet.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}
