// Package decode turns raw image file bytes into canonical, NRGBA-normalized
// pixel buffers that the rest of the pipeline treats uniformly.
package decode

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/heic"
	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/webp" // register WebP decoder
)

// Format identifies one of the supported input formats. The set is closed;
// dispatch is a switch, not a registry.
type Format string

const (
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatWEBP    Format = "webp"
	FormatBMP     Format = "bmp"
	FormatTIFF    Format = "tiff"
	FormatSVG     Format = "svg"
	FormatHEIC    Format = "heic"
	FormatUnknown Format = ""
)

// Source is one input file: a name for error reporting, the raw bytes, and
// the declared MIME type (may be empty or wrong; the extension is consulted
// as a fallback).
type Source struct {
	Name string
	Data []byte
	MIME string
}

// Image is the canonical decoded form of one page-worthy image. Multi-frame
// sources produce several Images from one Source, Frame numbering them.
type Image struct {
	Name   string
	Format Format
	Pixels *image.NRGBA
	Width  int
	Height int
	Frame  int
}

// DecodeError reports a source that could not be decoded.
type DecodeError struct {
	Format   Format
	FileName string
	Reason   string
	Err      error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("decode %s: %s", e.FileName, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DetectFormat resolves the format from the declared MIME type, falling back
// to the file extension when the MIME type is generic or absent.
func DetectFormat(filename, mime string) Format {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/jpeg", "image/jpg":
		return FormatJPEG
	case "image/png":
		return FormatPNG
	case "image/webp":
		return FormatWEBP
	case "image/bmp", "image/x-ms-bmp":
		return FormatBMP
	case "image/tiff":
		return FormatTIFF
	case "image/svg+xml":
		return FormatSVG
	case "image/heic", "image/heif":
		return FormatHEIC
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return FormatJPEG
	case ".png":
		return FormatPNG
	case ".webp":
		return FormatWEBP
	case ".bmp":
		return FormatBMP
	case ".tif", ".tiff":
		return FormatTIFF
	case ".svg":
		return FormatSVG
	case ".heic", ".heif":
		return FormatHEIC
	}
	return FormatUnknown
}

// Decode decodes one source into one or more canonical images. svgScale is
// the rasterization factor for vector sources; raster formats ignore it.
// Multi-directory TIFF files yield one image per directory, in file order.
func Decode(src Source, svgScale float64) ([]Image, error) {
	format := DetectFormat(src.Name, src.MIME)
	slog.Debug("decoding source", "filename", src.Name, "format", format, "size", len(src.Data))

	if len(src.Data) == 0 {
		return nil, &DecodeError{Format: format, FileName: src.Name, Reason: "empty file"}
	}

	switch format {
	case FormatJPEG, FormatPNG, FormatWEBP, FormatBMP:
		return decodeRaster(src, format)
	case FormatTIFF:
		return decodeTIFF(src)
	case FormatSVG:
		img, err := rasterizeSVG(src, svgScale)
		if err != nil {
			return nil, err
		}
		return []Image{img}, nil
	case FormatHEIC:
		return decodeHEIC(src)
	default:
		// Unknown declared type; the bytes may still be a registered format.
		slog.Warn("unknown declared format, attempting generic decode", "filename", src.Name, "mime", src.MIME)
		return decodeRaster(src, FormatUnknown)
	}
}

func decodeRaster(src Source, declared Format) ([]Image, error) {
	img, formatName, err := image.Decode(bytes.NewReader(src.Data))
	if err != nil {
		return nil, &DecodeError{Format: declared, FileName: src.Name, Reason: "corrupt or unparseable image data", Err: err}
	}
	format := declared
	if format == FormatUnknown {
		format = Format(formatName)
		slog.Info("decoded image with unknown declared type", "filename", src.Name, "detectedFormat", formatName)
	}
	canonical, derr := normalize(src.Name, format, img, 0)
	if derr != nil {
		return nil, derr
	}
	return []Image{canonical}, nil
}

func decodeHEIC(src Source) ([]Image, error) {
	img, err := heic.Decode(bytes.NewReader(src.Data))
	if err != nil {
		return nil, &DecodeError{Format: FormatHEIC, FileName: src.Name, Reason: "corrupt or unparseable HEIC data", Err: err}
	}
	canonical, derr := normalize(src.Name, FormatHEIC, img, 0)
	if derr != nil {
		return nil, derr
	}
	return []Image{canonical}, nil
}

// normalize converts any decoded image to 8-bit NRGBA. imaging.Clone handles
// the 16-bit variants the same way the rest of the pipeline expects.
func normalize(name string, format Format, img image.Image, frame int) (Image, *DecodeError) {
	switch img.(type) {
	case *image.Gray16, *image.NRGBA64, *image.RGBA64:
		slog.Debug("converting 16-bit image to 8-bit NRGBA", "filename", name)
	}
	pixels := imaging.Clone(img)
	b := pixels.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return Image{}, &DecodeError{Format: format, FileName: name, Reason: fmt.Sprintf("zero-dimension image %dx%d", b.Dx(), b.Dy())}
	}
	return Image{
		Name:   name,
		Format: format,
		Pixels: pixels,
		Width:  b.Dx(),
		Height: b.Dy(),
		Frame:  frame,
	}, nil
}
