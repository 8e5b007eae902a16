package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fruitsalade/assetpipe/internal/asset"
	"github.com/fruitsalade/assetpipe/internal/logging"
	"github.com/fruitsalade/assetpipe/internal/metrics"
)

// AddOptions describes an output record added with AddToTree.
type AddOptions struct {
	// Path overrides the mirrored output path.
	Path string
	// Ext replaces the extension of the mirrored output path.
	Ext string
	// IsFolder defaults to the node's own kind when nil.
	IsFolder      *bool
	Tags          asset.Tags
	TransformID   string
	TransformData map[string]string
}

// SaveOptions describes an output written with AddToTreeAndSave.
type SaveOptions struct {
	AddOptions
	// Data is written to the output. A nil Data copies the source file.
	Data []byte
}

// InputToOutputPath maps a source path to its mirrored output path: path
// tags are stripped, the entry prefix is replaced by the output prefix and,
// when ext is set, the extension is replaced.
func (p *Pipeline) InputToOutputPath(path, ext string) string {
	path = asset.CleanPath(path)
	rel, err := filepath.Rel(p.entry, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		rel = filepath.Base(path)
	}
	rel = asset.StripTags(filepath.ToSlash(rel))
	out := p.output
	if rel != "." && rel != "" {
		out = asset.CleanPath(filepath.Join(p.output, rel))
	}
	if ext != "" {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = strings.TrimSuffix(out, filepath.Ext(out)) + ext
	}
	return out
}

// AddToTree appends an output record to n without touching disk.
func (p *Pipeline) AddToTree(n *asset.Node, opts AddOptions) asset.OutputRecord {
	path := opts.Path
	if path == "" {
		path = p.InputToOutputPath(n.Path, opts.Ext)
	}
	isFolder := n.IsFolder
	if opts.IsFolder != nil {
		isFolder = *opts.IsFolder
	}
	rec := asset.OutputRecord{
		Path:          asset.CleanPath(path),
		IsFolder:      isFolder,
		Creator:       n.Path,
		Time:          p.runTime.UnixMilli(),
		Tags:          opts.Tags,
		TransformData: opts.TransformData,
	}
	if opts.TransformID != "" {
		id := opts.TransformID
		rec.TransformID = &id
	}
	return n.AddOutput(rec, nil)
}

// SaveToOutput writes data to outputPath, or copies n's source file there
// when data is nil. An empty outputPath means the mirrored path.
func (p *Pipeline) SaveToOutput(n *asset.Node, outputPath string, data []byte) (string, error) {
	if outputPath == "" {
		outputPath = p.InputToOutputPath(n.Path, "")
	}
	outputPath = asset.CleanPath(outputPath)

	_, statErr := os.Stat(outputPath)
	fresh := errors.Is(statErr, os.ErrNotExist)

	var err error
	if data == nil {
		err = copyFile(n.Path, outputPath)
	} else {
		err = writeAtomic(outputPath, bytes.NewReader(data))
	}
	if err != nil {
		return "", err
	}

	if fresh {
		p.trackFresh(n.ID, outputPath)
	}
	kind := "write"
	if data == nil {
		kind = "copy"
	}
	metrics.RecordOutputWritten(kind)
	logging.Debug("output saved", logging.Path(outputPath), logging.String("kind", kind))
	return outputPath, nil
}

// AddToTreeAndSave writes an output and records it on n.
func (p *Pipeline) AddToTreeAndSave(n *asset.Node, opts SaveOptions) (asset.OutputRecord, error) {
	path := opts.Path
	if path == "" {
		path = p.InputToOutputPath(n.Path, opts.Ext)
	}
	saved, err := p.SaveToOutput(n, path, opts.Data)
	if err != nil {
		return asset.OutputRecord{}, err
	}
	add := opts.AddOptions
	add.Path = saved
	return p.AddToTree(n, add), nil
}

// WriteOutput atomically writes data to a path relative to the output root
// without attributing it to any node. Finishers use it for build-wide files.
func (p *Pipeline) WriteOutput(rel string, data []byte) (string, error) {
	path := asset.CleanPath(filepath.Join(p.output, rel))
	if path != p.output && !strings.HasPrefix(path, p.output+"/") {
		return "", fmt.Errorf("output path %s escapes the output folder", rel)
	}
	if err := writeAtomic(path, bytes.NewReader(data)); err != nil {
		return "", err
	}
	metrics.RecordOutputWritten("write")
	return path, nil
}

// registerFolder records a mirrored output folder for a folder node no
// plugin claimed.
func (p *Pipeline) registerFolder(n *asset.Node) error {
	path := p.InputToOutputPath(n.Path, "")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("create output folder: %w", err)
		}
		p.trackFresh(n.ID, path)
	}
	p.AddToTree(n, AddOptions{Path: path})
	return nil
}

// writeAtomic writes r to path via a temp file in the same directory.
func writeAtomic(path string, r io.Reader) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", path, err)
	}

	// Write to temp file then rename for atomicity
	tmp, err := os.CreateTemp(dir, ".assetpipe-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", path, err)
	}
	return nil
}

// copyFile copies src byte for byte to dst.
func copyFile(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", src, ErrSourceMissing)
		}
		return fmt.Errorf("open source: %w", err)
	}
	defer f.Close()
	return writeAtomic(dst, f)
}

// removeOutput deletes one recorded output. Folders are only removed when
// empty; already missing paths are not an error.
func removeOutput(rec asset.OutputRecord) error {
	err := os.Remove(rec.Path)
	switch {
	case err == nil:
		metrics.RecordOutputRemoved()
		return nil
	case errors.Is(err, os.ErrNotExist):
		return nil
	case rec.IsFolder && !emptyDir(rec.Path):
		return nil
	default:
		return fmt.Errorf("remove output %s: %w", rec.Path, err)
	}
}

func emptyDir(path string) bool {
	entries, err := os.ReadDir(path)
	return err == nil && len(entries) == 0
}
