package registrar

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"mcpkit/internal/domain"
)

// Factory constructs a service with no arguments.
type Factory func() any

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Provide makes a service constructible by name from a manifest. It is meant
// to be called from package init next to Define.
func Provide(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// Provided returns the names of every provided service in sorted order.
func Provided() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Instantiate constructs the named services in order. Unknown names are
// reported together.
func Instantiate(names []string) ([]any, error) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	services := make([]any, 0, len(names))
	var unknown []string
	for _, name := range names {
		factory, ok := factories[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		services = append(services, factory())
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: unknown services in manifest: %s", domain.ErrInvalidDeclaration, strings.Join(unknown, ", "))
	}
	return services, nil
}

// Manifest is one service manifest file.
//
//	services:
//	  - weather
//	  - counter
//	disabled:
//	  - deploy
type Manifest struct {
	Services []string `json:"services" yaml:"services" toml:"services"`
	Disabled []string `json:"disabled" yaml:"disabled" toml:"disabled"`
}

var manifestExtensions = []string{".yaml", ".yml", ".toml", ".json", ".jsonc"}

// LoadManifest reads every manifest under dir in lexical path order and
// returns the enabled service names, first occurrence first. A missing
// directory yields every provided service.
func LoadManifest(dir string) ([]string, error) {
	if dir == "" {
		return Provided(), nil
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return Provided(), nil
	}

	var (
		names    []string
		disabled []string
		errs     []error
	)
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !slices.Contains(manifestExtensions, strings.ToLower(filepath.Ext(path))) {
			return nil
		}
		manifest, err := readManifest(path)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		for _, name := range manifest.Services {
			if name = strings.TrimSpace(name); name != "" && !slices.Contains(names, name) {
				names = append(names, name)
			}
		}
		disabled = append(disabled, manifest.Disabled...)
		return nil
	})
	if walkErr != nil {
		errs = append(errs, fmt.Errorf("walk manifest dir %s: %w", dir, walkErr))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return slices.DeleteFunc(names, func(name string) bool {
		return slices.Contains(disabled, name)
	}), nil
}

func readManifest(path string) (Manifest, error) {
	var manifest Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return manifest, fmt.Errorf("read manifest %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &manifest)
	case ".toml":
		err = toml.Unmarshal(data, &manifest)
	default:
		err = json.Unmarshal(jsonc.ToJSON(data), &manifest)
	}
	if err != nil {
		return manifest, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return manifest, nil
}

// BuildFromManifest instantiates the services listed under dir and builds
// their route table.
func (r *Registrar) BuildFromManifest(dir string) (*Table, error) {
	names, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}
	services, err := Instantiate(names)
	if err != nil {
		return nil, err
	}
	return r.Build(services...)
}
