package images

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/assetpipe/internal/asset"
	"github.com/fruitsalade/assetpipe/internal/plugins/plugintest"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 4), G: uint8(y * 4), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func size(t *testing.T, path string) (int, int) {
	t.Helper()
	img, err := imaging.Open(path)
	require.NoError(t, err)
	return img.Bounds().Dx(), img.Bounds().Dy()
}

func TestVariants(t *testing.T) {
	f := plugintest.New(t, map[string][]byte{
		"ui/hero.png":      pngBytes(t, 40, 20),
		"ui/logo{fix}.png": pngBytes(t, 8, 8),
		"ui/notes.txt":     []byte("not an image"),
	})
	pl, err := New(asset.Settings{"resolutions": map[string]any{"default": 1, "low": 0.5}})
	require.NoError(t, err)

	tree, report := f.Build(t, pl)
	require.Empty(t, report.Failures)

	w, h := size(t, f.Dst("ui/hero@1x.png"))
	assert.Equal(t, [2]int{40, 20}, [2]int{w, h})
	w, h = size(t, f.Dst("ui/hero@0.5x.png"))
	assert.Equal(t, [2]int{20, 10}, [2]int{w, h})
	assert.Equal(t,
		[]string{f.Dst("ui/hero@1x.png"), f.Dst("ui/hero@0.5x.png")},
		plugintest.Outputs(t, tree, f.In("ui/hero.png")))

	rec := tree.FindByPath(f.In("ui/hero.png")).Outputs[1]
	assert.Equal(t, "low", rec.TransformData["resolution"])
	assert.Equal(t, "0.5", rec.TransformData["scale"])

	assert.FileExists(t, f.Dst("ui/logo@1x.png"))
	assert.NoFileExists(t, f.Dst("ui/logo@0.5x.png"))
	assert.FileExists(t, f.Dst("ui/notes.txt"))
}

func TestPerPathSettings(t *testing.T) {
	f := plugintest.New(t, map[string][]byte{
		"bg/sky.png":  pngBytes(t, 16, 16),
		"icons/a.png": pngBytes(t, 16, 16),
	})
	rules, err := asset.NewRules([]asset.Rule{
		{Files: []string{"icons/**"}, Settings: asset.Settings{Name: map[string]any{"fixed": "default"}}},
	})
	require.NoError(t, err)
	f.Rules = rules

	pl, err := New(asset.Settings{"resolutions": map[string]any{"default": 1, "low": 0.5}})
	require.NoError(t, err)
	f.Build(t, pl)

	assert.FileExists(t, f.Dst("bg/sky@0.5x.png"))
	assert.FileExists(t, f.Dst("icons/a@1x.png"))
	assert.NoFileExists(t, f.Dst("icons/a@0.5x.png"))
}

func TestCorruptImageFailsOnlyThatNode(t *testing.T) {
	f := plugintest.New(t, map[string][]byte{
		"good.png": pngBytes(t, 4, 4),
		"bad.png":  []byte("definitely not a png"),
	})
	pl, err := New(nil)
	require.NoError(t, err)

	_, report := f.Build(t, pl)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, f.In("bad.png"), report.Failures[0].Path)
	assert.Equal(t, Name, report.Failures[0].Plugin)
	assert.FileExists(t, f.Dst("good@1x.png"))
	assert.NoFileExists(t, f.Dst("bad@1x.png"))
}

func TestNewRejectsBadScale(t *testing.T) {
	_, err := New(asset.Settings{"resolutions": map[string]any{"huge": 0}})
	assert.Error(t, err)
}

func TestApplyOrientation(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	tests := []struct {
		orientation int
		w, h        int
	}{
		{1, 2, 1},
		{3, 2, 1},
		{6, 1, 2},
		{8, 1, 2},
	}
	for _, tt := range tests {
		got := applyOrientation(img, tt.orientation).Bounds()
		if got.Dx() != tt.w || got.Dy() != tt.h {
			t.Errorf("orientation %d: got %dx%d, want %dx%d", tt.orientation, got.Dx(), got.Dy(), tt.w, tt.h)
		}
	}
	if o := orientation([]byte("no exif here")); o != 1 {
		t.Errorf("orientation without exif = %d, want 1", o)
	}
}

func TestVariantPath(t *testing.T) {
	assert.Equal(t, "/out/a@0.25x.jpg", VariantPath("/out/a.jpg", 0.25))
	assert.Equal(t, "/out/a@2x.png", VariantPath("/out/a.png", 2))
}
