// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

// Package configutil loads YAML configuration files into a struct,
// following a chain of "extends:" references so a deployment-specific
// file can inherit from a base file, and validates the merged result
// against `validate` struct tags.
package configutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	validator "gopkg.in/validator.v2"
	yaml "gopkg.in/yaml.v2"
)

// ErrCycleRef is returned when a chain of "extends:" references loops
// back on itself.
var ErrCycleRef = errors.New("cyclic reference in configuration extends detected")

type extendsStanza struct {
	Extends string `yaml:"extends"`
}

// Load reads filename and, if it (or any file it extends) declares
// "extends: <path>", follows that chain base-first, unmarshaling each
// file over the last, then validates the merged result into v.
func Load(filename string, v interface{}) error {
	abs, err := filepath.Abs(filename)
	if err != nil {
		return err
	}
	filenames, err := resolveExtends(abs, readExtends)
	if err != nil {
		return err
	}
	return loadFiles(v, filenames)
}

func readExtends(filename string) (string, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return "", err
	}
	var e extendsStanza
	if err := yaml.Unmarshal(data, &e); err != nil {
		return "", fmt.Errorf("configutil: parse %s: %s", filename, err)
	}
	return e.Extends, nil
}

// resolveExtends walks filename's extends chain via getExtends, resolving
// relative extends paths against the directory of the file that named
// them, and returns the chain base-first (filename last).
func resolveExtends(filename string, getExtends func(string) (string, error)) ([]string, error) {
	visited := make(map[string]bool)
	var chain []string

	current := filename
	for {
		if visited[current] {
			return nil, ErrCycleRef
		}
		visited[current] = true
		chain = append([]string{current}, chain...)

		ext, err := getExtends(current)
		if err != nil {
			return nil, err
		}
		if ext == "" {
			return chain, nil
		}
		if !filepath.IsAbs(ext) {
			ext = filepath.Join(filepath.Dir(current), ext)
		}
		current = ext
	}
}

// loadFiles unmarshals each file in filenames into v in order, so a later
// file only overrides the fields it explicitly sets, then validates v
// once the merge is complete.
func loadFiles(v interface{}, filenames []string) error {
	for _, f := range filenames {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("configutil: read %s: %s", f, err)
		}
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("configutil: parse %s: %s", f, err)
		}
	}
	if err := validator.Validate(v); err != nil {
		if errs, ok := err.(validator.ErrorMap); ok {
			return ValidationError{errs: errs}
		}
		return err
	}
	return nil
}

// ValidationError reports which fields of a loaded config failed their
// `validate` struct tag.
type ValidationError struct {
	errs validator.ErrorMap
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("configutil: validation failed: %s", e.errs.Error())
}

// ErrForField returns the validation errors recorded against field, or
// nil if field passed validation.
func (e ValidationError) ErrForField(field string) validator.ErrorArray {
	return e.errs[field]
}
