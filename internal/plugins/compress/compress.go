// Package compress writes gzip sidecars next to text-like outputs.
package compress

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/fruitsalade/assetpipe/internal/asset"
	"github.com/fruitsalade/assetpipe/internal/pipeline"
)

// Name is the plugin and settings key.
const Name = "compress"

var defaultExtensions = []string{".json", ".js", ".css", ".svg", ".html", ".txt", ".xml", ".atlas", ".fnt"}

// Plugin gzips every matching output record of a node in the post phase.
//
// Options:
//
//	enabled: false switches the plugin off for matching paths
//	level: gzip level, 1-9 (default gzip.DefaultCompression)
//	extensions: output extensions to compress
//	minSize: outputs smaller than this many bytes are skipped (default 0)
type Plugin struct {
	defaults asset.Settings
}

// New creates the plugin with build-wide default options.
func New(defaults asset.Settings) (*Plugin, error) {
	level := defaults.Int("level", gzip.DefaultCompression)
	if level != gzip.DefaultCompression && (level < gzip.BestSpeed || level > gzip.BestCompression) {
		return nil, fmt.Errorf("compress: level %d out of range", level)
	}
	return &Plugin{defaults: defaults}, nil
}

func (c *Plugin) Name() string { return Name }
func (c *Plugin) Folder() bool { return false }

// Test accepts files unless enabled is false.
func (c *Plugin) Test(n *asset.Node, _ *pipeline.Pipeline, opts asset.Settings) bool {
	return !n.IsFolder && c.defaults.Merge(opts).Bool("enabled", true)
}

// Post writes rec.Path + ".gz" and records it on n.
func (c *Plugin) Post(_ context.Context, rec *asset.OutputRecord, n *asset.Node, p *pipeline.Pipeline, opts asset.Settings) error {
	o := c.defaults.Merge(opts)
	if rec.IsFolder || !wants(rec.Path, o) {
		return nil
	}

	data, err := os.ReadFile(rec.Path)
	if err != nil {
		return fmt.Errorf("read %s: %w", rec.Path, err)
	}
	if len(data) < o.Int("minSize", 0) {
		return nil
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, o.Int("level", gzip.DefaultCompression))
	if err != nil {
		return err
	}
	zw.Name = filepath.Base(rec.Path)
	if _, err := zw.Write(data); err != nil {
		return fmt.Errorf("gzip %s: %w", rec.Path, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("gzip %s: %w", rec.Path, err)
	}

	path, err := p.SaveToOutput(n, rec.Path+".gz", buf.Bytes())
	if err != nil {
		return err
	}
	p.AddToTree(n, pipeline.AddOptions{
		Path:          path,
		IsFolder:      new(bool),
		Tags:          rec.Tags,
		TransformID:   Name,
		TransformData: map[string]string{"source": rec.Path},
	})
	return nil
}

func wants(path string, o asset.Settings) bool {
	if strings.HasSuffix(path, ".gz") {
		return false
	}
	exts := o.Strings("extensions", defaultExtensions)
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}
