// Package layout computes per-image page geometry: page size, orientation,
// margins, scaling and placement. All dimensions are in PDF points.
package layout

import (
	"fmt"
)

// PageSize selects the output page dimensions.
type PageSize string

const (
	PageA4     PageSize = "A4"
	PageLetter PageSize = "LETTER"
	PageLegal  PageSize = "LEGAL"
	PageA3     PageSize = "A3"
	PageA5     PageSize = "A5"
	// PageFit sizes the page to the image plus margins.
	PageFit PageSize = "FIT"
)

// Orientation selects the page axes.
type Orientation string

const (
	// OrientationAuto picks portrait when the image is at least as tall as it
	// is wide, landscape otherwise.
	OrientationAuto      Orientation = "auto"
	OrientationPortrait  Orientation = "portrait"
	OrientationLandscape Orientation = "landscape"
)

// Base portrait dimensions in points for the named page sizes.
var pageSizes = map[PageSize][2]float64{
	PageA4:     {595.28, 841.89},
	PageLetter: {612.0, 792.0},
	PageLegal:  {612.0, 1008.0},
	PageA3:     {841.89, 1190.55},
	PageA5:     {419.53, 595.28},
}

// Options holds the page geometry settings for one conversion run. A single
// Options value is shared read-only by every page in the run.
type Options struct {
	PageSize    PageSize    `json:"pageSize"`
	Orientation Orientation `json:"orientation"`
	// Margin is applied on all four sides, in points.
	Margin     float64 `json:"margin"`
	Center     bool    `json:"centerImage"`
	ScaleToFit bool    `json:"scaleToFit"`
	// SVGScale is the rasterization scale for vector sources. It never
	// changes the emitted page geometry, only the pixel density.
	SVGScale float64 `json:"svgScale"`
}

// NewDefaultOptions returns the documented defaults: A4, auto orientation,
// half-inch margin, centered, scale to fit, SVG rasterized at 2x.
func NewDefaultOptions() Options {
	return Options{
		PageSize:    PageA4,
		Orientation: OrientationAuto,
		Margin:      36,
		Center:      true,
		ScaleToFit:  true,
		SVGScale:    2,
	}
}

// Validate reports whether the options are usable for a run.
func (o Options) Validate() error {
	if o.PageSize != PageFit {
		if _, ok := pageSizes[o.PageSize]; !ok {
			return fmt.Errorf("unknown page size %q", o.PageSize)
		}
	}
	switch o.Orientation {
	case OrientationAuto, OrientationPortrait, OrientationLandscape:
	default:
		return fmt.Errorf("unknown orientation %q", o.Orientation)
	}
	if o.Margin < 0 {
		return fmt.Errorf("margin must be non-negative, got %g", o.Margin)
	}
	if o.SVGScale <= 0 {
		return fmt.Errorf("svg scale must be positive, got %g", o.SVGScale)
	}
	return nil
}

// Placement is the computed geometry for one image on one page. X and Y are
// the image origin in PDF user space, measured from the bottom-left corner of
// the page.
type Placement struct {
	PageWidth  float64
	PageHeight float64
	X          float64
	Y          float64
	Width      float64
	Height     float64
	// Scale is the uniform factor applied to the image's intrinsic size.
	Scale float64
}

// Error describes an image whose geometry cannot be laid out.
type Error struct {
	FileName string
	Reason   string
}

func (e *Error) Error() string {
	if e.FileName != "" {
		return fmt.Sprintf("layout %s: %s", e.FileName, e.Reason)
	}
	return "layout: " + e.Reason
}

// ComputePlacement computes the page dimensions and image rectangle for an
// image of imgW x imgH pixels (1px = 1pt at scale 1.0) under opts. name is
// only used to label errors.
func ComputePlacement(imgW, imgH int, opts Options, name string) (Placement, error) {
	if imgW <= 0 || imgH <= 0 {
		return Placement{}, &Error{FileName: name, Reason: fmt.Sprintf("image has non-positive dimensions %dx%d", imgW, imgH)}
	}

	w := float64(imgW)
	h := float64(imgH)

	var pageW, pageH float64
	if opts.PageSize == PageFit {
		// Page wraps the image at its intrinsic size; no scaling applies.
		pageW = w + 2*opts.Margin
		pageH = h + 2*opts.Margin
	} else {
		base, ok := pageSizes[opts.PageSize]
		if !ok {
			return Placement{}, &Error{FileName: name, Reason: fmt.Sprintf("unknown page size %q", opts.PageSize)}
		}
		pageW, pageH = base[0], base[1]

		landscape := false
		switch opts.Orientation {
		case OrientationLandscape:
			landscape = true
		case OrientationAuto:
			landscape = w > h
		}
		if landscape {
			pageW, pageH = pageH, pageW
		}
	}

	availW := pageW - 2*opts.Margin
	availH := pageH - 2*opts.Margin
	// Oversized margins collapse the available area rather than going
	// negative; the image then degenerates to a point at the page center.
	if availW < 0 {
		availW = 0
	}
	if availH < 0 {
		availH = 0
	}

	scale := 1.0
	if opts.ScaleToFit && opts.PageSize != PageFit {
		scale = availW / w
		if s := availH / h; s < scale {
			scale = s
		}
		// Downscale only; blowing small images up to the page blurs them.
		if scale > 1.0 {
			scale = 1.0
		}
		if scale < 0 {
			return Placement{}, &Error{FileName: name, Reason: fmt.Sprintf("computed negative scale %g", scale)}
		}
	}

	placedW := w * scale
	placedH := h * scale

	var x, y float64
	if opts.Center || scale == 0 {
		x = (pageW - placedW) / 2
		y = (pageH - placedH) / 2
	} else {
		// Top-left anchored at the margins; PDF user space grows upward, so
		// the Y origin is measured down from the top edge.
		x = opts.Margin
		y = pageH - opts.Margin - placedH
	}

	return Placement{
		PageWidth:  pageW,
		PageHeight: pageH,
		X:          x,
		Y:          y,
		Width:      placedW,
		Height:     placedH,
		Scale:      scale,
	}, nil
}
