// Package environment provides the variables of named environments, read from files next to
// the request file being run.
//
// Two formats are understood. reqrun.yaml:
//
//	variables:
//	  host: https://example.com
//	environments:
//	  dev:
//	    host: http://localhost:8080
//
// and the http-client.env.json format (comments allowed), where the "$shared" environment
// applies to all of them:
//
//	{
//	  "$shared": {"host": "https://example.com"},
//	  "dev": {"host": "http://localhost:8080"}
//	}
//
// Secrets can be kept out of version control in http-client.private.env.json, which has the
// same format and wins over the others.
package environment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tidwall/jsonc"
	"go.followtheprocess.codes/reqrun/internal/document"
	"gopkg.in/yaml.v3"
)

// ID is the id of the environment variable provider.
const ID = "environment"

// Files read from the directory of a request file, in increasing order of precedence.
const (
	ConfigFile     = "reqrun.yaml"
	EnvFile        = "http-client.env.json"
	PrivateEnvFile = "http-client.private.env.json"
)

// Shared is the name of the environment whose variables apply to every environment in
// the env.json format.
const Shared = "$shared"

// ErrUnknownEnvironment is returned when a selected environment is not defined anywhere.
var ErrUnknownEnvironment = errors.New("unknown environment")

// Environments are the variables of every environment defined for a directory.
type Environments struct {
	Shared map[string]any            // Variables of every environment
	Named  map[string]map[string]any // Variables by environment name
}

// config is the layout of reqrun.yaml.
type config struct {
	Variables    map[string]any            `yaml:"variables"`
	Environments map[string]map[string]any `yaml:"environments"`
}

// Plugin installs the environment variable provider.
func Plugin(hooks *document.Hooks) {
	hooks.ProvideVariables.Add(ID, provide)
}

func provide(ctx context.Context, in document.ProvideInput) (map[string]any, error) {
	envs, err := Load(in.Document.Dir())
	if err != nil {
		return nil, err
	}

	return envs.Variables(in.Environments)
}

// Load reads the environment files in dir, missing files are skipped.
func Load(dir string) (Environments, error) {
	envs := Environments{
		Shared: make(map[string]any),
		Named:  make(map[string]map[string]any),
	}

	data, err := read(filepath.Join(dir, ConfigFile))
	if err != nil {
		return Environments{}, err
	}

	if data != nil {
		var cfg config
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Environments{}, fmt.Errorf("could not parse %s: %w", ConfigFile, err)
		}

		envs.merge(cfg.Variables, cfg.Environments)
	}

	for _, name := range []string{EnvFile, PrivateEnvFile} {
		data, err := read(filepath.Join(dir, name))
		if err != nil {
			return Environments{}, err
		}

		if data == nil {
			continue
		}

		var named map[string]map[string]any
		if err := json.Unmarshal(jsonc.ToJSON(data), &named); err != nil {
			return Environments{}, fmt.Errorf("could not parse %s: %w", name, err)
		}

		shared := named[Shared]
		delete(named, Shared)

		envs.merge(shared, named)
	}

	return envs, nil
}

// Names returns the names of the defined environments, sorted.
func (e Environments) Names() []string {
	return slices.Sorted(maps.Keys(e.Named))
}

// Variables returns the shared variables overlaid with those of each selected environment
// in turn, so later environments win.
func (e Environments) Variables(selected []string) (map[string]any, error) {
	vars := maps.Clone(e.Shared)
	if vars == nil {
		vars = make(map[string]any)
	}

	for _, name := range selected {
		env, ok := e.Named[name]
		if !ok {
			if len(e.Named) == 0 {
				return nil, fmt.Errorf("%w %q, none are defined", ErrUnknownEnvironment, name)
			}

			return nil, fmt.Errorf("%w %q, expected one of %s", ErrUnknownEnvironment, name, strings.Join(e.Names(), ", "))
		}

		maps.Copy(vars, env)
	}

	return vars, nil
}

func (e Environments) merge(shared map[string]any, named map[string]map[string]any) {
	maps.Copy(e.Shared, shared)

	for name, vars := range named {
		if e.Named[name] == nil {
			e.Named[name] = make(map[string]any, len(vars))
		}

		maps.Copy(e.Named[name], vars)
	}
}

// read returns the contents of path, or nil if it doesn't exist.
func read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("could not read %s: %w", path, err)
	}

	return data, nil
}
