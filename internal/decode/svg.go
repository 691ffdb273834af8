package decode

import (
	"bytes"
	"image"
	"log/slog"
	"math"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
)

// Fallback intrinsic size in user units when the SVG declares no viewport.
const (
	defaultSVGWidth  = 300.0
	defaultSVGHeight = 150.0
)

// rasterizeSVG parses an SVG document and rasterizes it at scale times its
// intrinsic size. The result is an ordinary raster image; scale only affects
// pixel density, the declared geometry is untouched.
func rasterizeSVG(src Source, scale float64) (Image, error) {
	if scale <= 0 {
		return Image{}, &DecodeError{Format: FormatSVG, FileName: src.Name, Reason: "svg render scale must be positive"}
	}

	icon, err := oksvg.ReadIconStream(bytes.NewReader(src.Data))
	if err != nil {
		return Image{}, &DecodeError{Format: FormatSVG, FileName: src.Name, Reason: "corrupt or unparseable SVG document", Err: err}
	}

	w := icon.ViewBox.W
	h := icon.ViewBox.H
	if w <= 0 || h <= 0 {
		slog.Warn("SVG has no usable viewport, using fallback size", "filename", src.Name, "fallbackWidth", defaultSVGWidth, "fallbackHeight", defaultSVGHeight)
		w, h = defaultSVGWidth, defaultSVGHeight
	}

	outW := int(math.Round(w * scale))
	outH := int(math.Round(h * scale))
	if outW <= 0 || outH <= 0 {
		return Image{}, &DecodeError{Format: FormatSVG, FileName: src.Name, Reason: "zero-dimension SVG after scaling"}
	}

	rgba := image.NewRGBA(image.Rect(0, 0, outW, outH))
	scanner := rasterx.NewScannerGV(outW, outH, rgba, rgba.Bounds())
	icon.SetTarget(0, 0, float64(outW), float64(outH))
	icon.Draw(rasterx.NewDasher(outW, outH, scanner), 1.0)

	canonical, derr := normalize(src.Name, FormatSVG, rgba, 0)
	if derr != nil {
		return Image{}, derr
	}
	slog.Debug("rasterized SVG", "filename", src.Name, "intrinsicWidth", w, "intrinsicHeight", h, "scale", scale, "width", outW, "height", outH)
	return canonical, nil
}
