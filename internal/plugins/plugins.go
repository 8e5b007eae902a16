// Package plugins resolves the configured plugin list into build plugins.
package plugins

import (
	"fmt"
	"sort"

	"github.com/fruitsalade/assetpipe/internal/asset"
	"github.com/fruitsalade/assetpipe/internal/config"
	"github.com/fruitsalade/assetpipe/internal/pipeline"
	"github.com/fruitsalade/assetpipe/internal/plugins/compress"
	"github.com/fruitsalade/assetpipe/internal/plugins/images"
	"github.com/fruitsalade/assetpipe/internal/plugins/manifest"
	"github.com/fruitsalade/assetpipe/internal/plugins/s3publish"
	"github.com/fruitsalade/assetpipe/internal/plugins/texturepacker"
)

// Factory creates a plugin from its build-wide options.
type Factory func(opts asset.Settings) (pipeline.Plugin, error)

func factory[P pipeline.Plugin](fn func(asset.Settings) (P, error)) Factory {
	return func(opts asset.Settings) (pipeline.Plugin, error) {
		pl, err := fn(opts)
		if err != nil {
			return nil, err
		}
		return pl, nil
	}
}

var builtins = map[string]Factory{
	texturepacker.Name: factory(texturepacker.New),
	images.Name:        factory(images.New),
	compress.Name:      factory(compress.New),
	manifest.Name:      factory(manifest.New),
	s3publish.Name:     factory(s3publish.New),
}

// Names lists the built-in plugins.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve creates the plugins in the configured order.
func Resolve(specs []config.PluginSpec) ([]pipeline.Plugin, error) {
	out := make([]pipeline.Plugin, 0, len(specs))
	for _, spec := range specs {
		f, ok := builtins[spec.Name]
		if !ok {
			return nil, fmt.Errorf("unknown plugin %q (available: %v)", spec.Name, Names())
		}
		pl, err := f(asset.Settings(spec.Options))
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", spec.Name, err)
		}
		out = append(out, pl)
	}
	return out, nil
}
