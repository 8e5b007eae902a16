// Package texturepacker packs every image below a {tps} folder into sprite
// sheet pages, each a PNG plus a JSON frame map.
package texturepacker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"io/fs"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/fruitsalade/assetpipe/internal/asset"
	"github.com/fruitsalade/assetpipe/internal/pipeline"
)

// Name is the plugin and settings key.
const Name = "texturePacker"

// Tag marks a folder as a sprite sheet source.
const Tag = "tps"

const (
	defaultMaxSize = 2048
	defaultPadding = 2
)

var extensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true}

// Plugin owns {tps} folders.
//
// Options:
//
//	maxSize: page edge in pixels (default 2048)
//	padding: pixels between sprites and around the page (default 2)
//	trim: cut fully transparent borders (default true)
//	resolutions: map of name to scale (default {default: 1})
type Plugin struct {
	defaults asset.Settings
}

// New creates the plugin with build-wide default options.
func New(defaults asset.Settings) (*Plugin, error) {
	if _, err := readOptions(defaults); err != nil {
		return nil, err
	}
	return &Plugin{defaults: defaults}, nil
}

func (t *Plugin) Name() string { return Name }
func (t *Plugin) Folder() bool { return true }

// Test accepts folders tagged {tps} in their own name.
func (t *Plugin) Test(n *asset.Node, _ *pipeline.Pipeline, _ asset.Settings) bool {
	return n.IsFolder && n.PathTags.Has(Tag)
}

type options struct {
	maxSize     int
	padding     int
	trim        bool
	resolutions []resolution
}

type resolution struct {
	name  string
	scale float64
}

func readOptions(o asset.Settings) (options, error) {
	opts := options{
		maxSize: o.Int("maxSize", defaultMaxSize),
		padding: o.Int("padding", defaultPadding),
		trim:    o.Bool("trim", true),
	}
	if opts.maxSize <= 0 || opts.padding < 0 || 2*opts.padding >= opts.maxSize {
		return opts, fmt.Errorf("texturePacker: invalid maxSize %d / padding %d", opts.maxSize, opts.padding)
	}
	raw := o.Sub("resolutions")
	for name := range raw {
		scale := raw.Float(name, 0)
		if scale <= 0 || scale > 16 {
			return opts, fmt.Errorf("texturePacker: resolution %q has invalid scale %v", name, raw[name])
		}
		opts.resolutions = append(opts.resolutions, resolution{name: name, scale: scale})
	}
	if len(opts.resolutions) == 0 {
		opts.resolutions = []resolution{{name: "default", scale: 1}}
	}
	sort.Slice(opts.resolutions, func(i, j int) bool {
		return opts.resolutions[i].scale > opts.resolutions[j].scale
	})
	return opts, nil
}

// source is one image found below the folder.
type source struct {
	name string
	img  image.Image
}

// Transform packs the folder once per resolution.
func (t *Plugin) Transform(ctx context.Context, n *asset.Node, p *pipeline.Pipeline, nodeOpts asset.Settings) error {
	opts, err := readOptions(t.defaults.Merge(nodeOpts))
	if err != nil {
		return err
	}
	sources, err := load(n.Path)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return nil
	}

	base := p.InputToOutputPath(n.Path, "")
	for _, res := range opts.resolutions {
		if err := ctx.Err(); err != nil {
			return err
		}
		sprites := prepare(sources, res.scale, opts.trim)
		pages, err := pack(sprites, opts.maxSize, opts.padding)
		if err != nil {
			return fmt.Errorf("%s: %w", n.Name(), err)
		}
		if err := t.write(n, p, base, res, pages); err != nil {
			return err
		}
	}
	return nil
}

func load(dir string) ([]source, error) {
	var sources []source
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !extensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		img, err := imaging.Open(path)
		if err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		sources = append(sources, source{name: asset.StripTags(filepath.ToSlash(rel)), img: img})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].name < sources[j].name })
	return sources, nil
}

// sprite is a scaled and trimmed source ready to be placed.
type sprite struct {
	name       string
	img        image.Image
	sourceW    int
	sourceH    int
	offX, offY int
	trimmed    bool
	x, y       int
}

func prepare(sources []source, scale float64, trim bool) []*sprite {
	sprites := make([]*sprite, 0, len(sources))
	for _, src := range sources {
		img := src.img
		b := img.Bounds()
		w := int(math.Ceil(float64(b.Dx()) * scale))
		h := int(math.Ceil(float64(b.Dy()) * scale))
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
		if scale != 1 {
			img = imaging.Resize(img, w, h, imaging.Lanczos)
		}

		s := &sprite{name: src.name, img: img, sourceW: w, sourceH: h}
		if trim && w >= 3 && h >= 3 {
			if r := opaqueBounds(img); r.Dx() < w || r.Dy() < h {
				s.img = imaging.Crop(img, r)
				s.offX = r.Min.X - img.Bounds().Min.X
				s.offY = r.Min.Y - img.Bounds().Min.Y
				s.trimmed = true
			}
		}
		sprites = append(sprites, s)
	}
	return sprites
}

// opaqueBounds returns the smallest rectangle holding every non-transparent
// pixel. A fully transparent image keeps a single pixel.
func opaqueBounds(img image.Image) image.Rectangle {
	b := img.Bounds()
	minX, minY, maxX, maxY := b.Max.X, b.Max.Y, b.Min.X-1, b.Min.Y-1
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a == 0 {
				continue
			}
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
		}
	}
	if maxX < minX {
		return image.Rect(b.Min.X, b.Min.Y, b.Min.X+1, b.Min.Y+1)
	}
	return image.Rect(minX, minY, maxX+1, maxY+1)
}

type page struct {
	sprites []*sprite
	w, h    int
}

// pack places sprites on shelves, tallest first, opening a new page when one
// is full.
func pack(sprites []*sprite, maxSize, padding int) ([]*page, error) {
	sorted := append([]*sprite(nil), sprites...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].img.Bounds().Dy() > sorted[j].img.Bounds().Dy()
	})

	var pages []*page
	var cur *page
	var x, y, shelf int
	for _, s := range sorted {
		w, h := s.img.Bounds().Dx(), s.img.Bounds().Dy()
		if w+2*padding > maxSize || h+2*padding > maxSize {
			return nil, fmt.Errorf("sprite %s (%dx%d) does not fit a %d page", s.name, w, h, maxSize)
		}
		if cur != nil && x+w+padding > maxSize {
			x, y, shelf = padding, y+shelf+padding, 0
		}
		if cur == nil || y+h+padding > maxSize {
			cur = &page{}
			pages = append(pages, cur)
			x, y, shelf = padding, padding, 0
		}
		s.x, s.y = x, y
		cur.sprites = append(cur.sprites, s)
		cur.w = max(cur.w, x+w+padding)
		cur.h = max(cur.h, y+h+padding)
		x += w + padding
		shelf = max(shelf, h)
	}
	return pages, nil
}

// Sheet is the JSON frame map of one page.
type Sheet struct {
	Frames map[string]Frame `json:"frames"`
	Meta   Meta             `json:"meta"`
}

// Frame places one sprite on its page.
type Frame struct {
	Frame            Rect `json:"frame"`
	Rotated          bool `json:"rotated"`
	Trimmed          bool `json:"trimmed"`
	SpriteSourceSize Rect `json:"spriteSourceSize"`
	SourceSize       Size `json:"sourceSize"`
}

// Meta describes a page.
type Meta struct {
	App               string   `json:"app"`
	Image             string   `json:"image"`
	Format            string   `json:"format"`
	Size              Size     `json:"size"`
	Scale             float64  `json:"scale"`
	RelatedMultiPacks []string `json:"related_multi_packs,omitempty"`
}

// Rect is a pixel rectangle.
type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Size is a pixel size.
type Size struct {
	W int `json:"w"`
	H int `json:"h"`
}

func pagePath(base string, res resolution, index, count int, ext string) string {
	path := base
	if count > 1 {
		path += "-" + strconv.Itoa(index)
	}
	if res.scale != 1 {
		path += "@" + strconv.FormatFloat(res.scale, 'f', -1, 64) + "x"
	}
	return path + ext
}

func (t *Plugin) write(n *asset.Node, p *pipeline.Pipeline, base string, res resolution, pages []*page) error {
	var jsonNames []string
	for i := range pages {
		jsonNames = append(jsonNames, filepath.Base(pagePath(base, res, i, len(pages), ".json")))
	}

	for i, pg := range pages {
		canvas := imaging.New(pg.w, pg.h, color.NRGBA{})
		sheet := Sheet{
			Frames: make(map[string]Frame, len(pg.sprites)),
			Meta: Meta{
				App:    "assetpipe",
				Image:  filepath.Base(pagePath(base, res, i, len(pages), ".png")),
				Format: "RGBA8888",
				Size:   Size{W: pg.w, H: pg.h},
				Scale:  res.scale,
			},
		}
		for j, name := range jsonNames {
			if j != i {
				sheet.Meta.RelatedMultiPacks = append(sheet.Meta.RelatedMultiPacks, name)
			}
		}

		for _, s := range pg.sprites {
			canvas = imaging.Paste(canvas, s.img, image.Pt(s.x, s.y))
			b := s.img.Bounds()
			sheet.Frames[s.name] = Frame{
				Frame:            Rect{X: s.x, Y: s.y, W: b.Dx(), H: b.Dy()},
				Trimmed:          s.trimmed,
				SpriteSourceSize: Rect{X: s.offX, Y: s.offY, W: b.Dx(), H: b.Dy()},
				SourceSize:       Size{W: s.sourceW, H: s.sourceH},
			}
		}

		var png bytes.Buffer
		if err := imaging.Encode(&png, canvas, imaging.PNG); err != nil {
			return fmt.Errorf("encode page: %w", err)
		}
		data, err := json.MarshalIndent(sheet, "", "  ")
		if err != nil {
			return fmt.Errorf("encode frames: %w", err)
		}

		td := map[string]string{"resolution": res.name, "page": strconv.Itoa(i)}
		for _, out := range []struct {
			ext  string
			data []byte
		}{{".png", png.Bytes()}, {".json", data}} {
			if _, err := p.AddToTreeAndSave(n, pipeline.SaveOptions{
				AddOptions: pipeline.AddOptions{
					Path:          pagePath(base, res, i, len(pages), out.ext),
					IsFolder:      new(bool),
					TransformID:   Name,
					TransformData: td,
				},
				Data: out.data,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
