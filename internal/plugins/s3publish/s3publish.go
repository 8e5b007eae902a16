// Package s3publish mirrors built outputs to an S3 bucket: each output file
// is uploaded after it is built and removed when its source is deleted.
package s3publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fruitsalade/assetpipe/internal/asset"
	"github.com/fruitsalade/assetpipe/internal/pipeline"
	"github.com/fruitsalade/assetpipe/internal/retry"
)

// Name is the plugin and settings key.
const Name = "s3publish"

// KeyData is the TransformData entry holding the uploaded object key.
const KeyData = "s3Key"

// Plugin uploads output records and deletes the objects of deleted sources.
//
// Options:
//
//	bucket: target bucket (required)
//	region, endpoint, accessKey, secretKey: store location and credentials
//	prefix: key prefix prepended to output-relative paths
//	enabled: set false per path to keep files local (default true)
type Plugin struct {
	store  Store
	prefix string
	retry  retry.Config
}

// New creates the plugin with an S3 store built from opts.
func New(opts asset.Settings) (*Plugin, error) {
	cfg := StoreConfig{
		Bucket:    opts.String("bucket", ""),
		Region:    opts.String("region", ""),
		Endpoint:  opts.String("endpoint", ""),
		AccessKey: opts.String("accessKey", ""),
		SecretKey: opts.String("secretKey", ""),
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3publish: bucket is required")
	}
	store, err := NewS3Store(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	return NewWithStore(store, opts), nil
}

// NewWithStore creates the plugin over an existing store.
func NewWithStore(store Store, opts asset.Settings) *Plugin {
	prefix := strings.Trim(opts.String("prefix", ""), "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Plugin{store: store, prefix: prefix, retry: retry.DefaultConfig()}
}

func (s *Plugin) Name() string { return Name }
func (s *Plugin) Folder() bool { return false }

// Test accepts every node unless disabled for its path.
func (s *Plugin) Test(_ *asset.Node, _ *pipeline.Pipeline, opts asset.Settings) bool {
	return opts.Bool("enabled", true)
}

// Key maps an output path to its object key.
func (s *Plugin) Key(p *pipeline.Pipeline, outputPath string) (string, error) {
	rel, err := filepath.Rel(p.Output(), outputPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("output %s is outside %s", outputPath, p.Output())
	}
	return s.prefix + filepath.ToSlash(rel), nil
}

// Post uploads one output file.
func (s *Plugin) Post(ctx context.Context, rec *asset.OutputRecord, _ *asset.Node, p *pipeline.Pipeline, _ asset.Settings) error {
	if rec.IsFolder {
		return nil
	}
	key, err := s.Key(p, rec.Path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(rec.Path)
	if err != nil {
		return fmt.Errorf("read output: %w", err)
	}
	contentType := mime.TypeByExtension(path.Ext(key))

	err = retry.Do(ctx, s.retry, "s3 put", func(ctx context.Context) error {
		return s.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
	})
	if err != nil {
		return err
	}

	td := maps.Clone(rec.TransformData)
	if td == nil {
		td = make(map[string]string, 1)
	}
	td[KeyData] = key
	rec.TransformData = td
	return nil
}

// Delete removes the objects of every file output of a deleted node.
func (s *Plugin) Delete(ctx context.Context, n *asset.Node, _ *pipeline.Pipeline, _ asset.Settings) error {
	var errs []error
	for _, rec := range n.Outputs {
		if rec.IsFolder {
			continue
		}
		key := rec.TransformData[KeyData]
		if key == "" {
			continue
		}
		err := retry.Do(ctx, s.retry, "s3 delete", func(ctx context.Context) error {
			return s.store.Delete(ctx, key)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
