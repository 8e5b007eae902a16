// Package images writes scaled variants of raster images, one per configured
// resolution, named name@<scale>x.ext.
package images

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"

	"github.com/fruitsalade/assetpipe/internal/asset"
	"github.com/fruitsalade/assetpipe/internal/pipeline"
)

// Name is the plugin and settings key.
const Name = "image"

// DefaultQuality is the JPEG quality when none is configured.
const DefaultQuality = 85

var extensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true, ".tif": true, ".tiff": true}

// Resolution is one scaled variant.
type Resolution struct {
	Name  string
	Scale float64
}

// Plugin writes scaled variants of every image it accepts.
//
// Options:
//
//	resolutions: map of name to scale (default {default: 1})
//	quality: JPEG quality 1-100
//	fixed: emit only the resolution with this name
//
// Images tagged {fix} get only their scale 1 variant.
type Plugin struct {
	defaults asset.Settings
}

// New creates the plugin with build-wide default options.
func New(defaults asset.Settings) (*Plugin, error) {
	if _, err := resolutions(defaults); err != nil {
		return nil, err
	}
	return &Plugin{defaults: defaults}, nil
}

func (m *Plugin) Name() string { return Name }
func (m *Plugin) Folder() bool { return false }

// Test accepts raster image files.
func (m *Plugin) Test(n *asset.Node, _ *pipeline.Pipeline, _ asset.Settings) bool {
	return !n.IsFolder && extensions[strings.ToLower(n.Ext())]
}

// Transform decodes the image once and writes every variant.
func (m *Plugin) Transform(ctx context.Context, n *asset.Node, p *pipeline.Pipeline, opts asset.Settings) error {
	o := m.defaults.Merge(opts)
	res, err := resolutions(o)
	if err != nil {
		return err
	}
	if fixed := o.String("fixed", ""); fixed != "" {
		res = filter(res, func(r Resolution) bool { return r.Name == fixed })
	}
	if n.HasTag("fix") {
		res = []Resolution{{Name: "default", Scale: 1}}
	}

	data, err := os.ReadFile(n.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", n.Path, pipeline.ErrSourceMissing)
		}
		return err
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode %s: %w", n.Name(), err)
	}
	img = applyOrientation(img, orientation(data))

	format, err := imaging.FormatFromFilename(n.Path)
	if err != nil {
		return err
	}
	quality := o.Int("quality", DefaultQuality)

	for _, r := range res {
		if err := ctx.Err(); err != nil {
			return err
		}
		scaled := resize(img, r.Scale)

		var buf bytes.Buffer
		if err := imaging.Encode(&buf, scaled, format, imaging.JPEGQuality(quality)); err != nil {
			return fmt.Errorf("encode %s@%s: %w", n.Name(), r.Name, err)
		}
		path := VariantPath(p.InputToOutputPath(n.Path, ""), r.Scale)
		if _, err := p.AddToTreeAndSave(n, pipeline.SaveOptions{
			AddOptions: pipeline.AddOptions{
				Path:        path,
				TransformID: Name,
				TransformData: map[string]string{
					"resolution": r.Name,
					"scale":      formatScale(r.Scale),
				},
			},
			Data: buf.Bytes(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// VariantPath inserts @<scale>x before the extension of path.
func VariantPath(path string, scale float64) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "@" + formatScale(scale) + "x" + ext
}

func formatScale(scale float64) string {
	return strconv.FormatFloat(scale, 'f', -1, 64)
}

func resize(img image.Image, scale float64) image.Image {
	if scale == 1 {
		return img
	}
	b := img.Bounds()
	w := int(math.Max(1, math.Ceil(float64(b.Dx())*scale)))
	h := int(math.Max(1, math.Ceil(float64(b.Dy())*scale)))
	return imaging.Resize(img, w, h, imaging.Lanczos)
}

// resolutions reads the configured resolutions ordered by descending scale.
func resolutions(o asset.Settings) ([]Resolution, error) {
	raw := o.Sub("resolutions")
	if len(raw) == 0 {
		return []Resolution{{Name: "default", Scale: 1}}, nil
	}
	res := make([]Resolution, 0, len(raw))
	for name := range raw {
		scale := raw.Float(name, 0)
		if scale <= 0 || scale > 16 {
			return nil, fmt.Errorf("image: resolution %q has invalid scale %v", name, raw[name])
		}
		res = append(res, Resolution{Name: name, Scale: scale})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Scale != res[j].Scale {
			return res[i].Scale > res[j].Scale
		}
		return res[i].Name < res[j].Name
	})
	return res, nil
}

func filter(res []Resolution, keep func(Resolution) bool) []Resolution {
	var out []Resolution
	for _, r := range res {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// orientation reads the EXIF orientation, 1 when absent.
func orientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	if v, err := tag.Int(0); err == nil && v >= 1 && v <= 8 {
		return v
	}
	return 1
}

// applyOrientation transforms an image according to EXIF orientation value.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}
