// Package pdfgen assembles PDF documents one image page at a time. It owns
// page emission (image stream, content placement, MediaBox) and document
// finalization; pages come out in exactly the order they were appended.
package pdfgen

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/jung-kurt/gofpdf"

	"img2pdf/internal/decode"
	"img2pdf/internal/layout"
)

// ErrAlreadyFinalized is returned when Finalize is called a second time.
var ErrAlreadyFinalized = errors.New("document already finalized")

// bufferPool reuses encode buffers across pages; gofpdf consumes the reader
// inside RegisterImageOptionsReader, so buffers can be returned immediately.
var bufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// EmitError reports a page that could not be emitted.
type EmitError struct {
	FileName string
	Err      error
}

func (e *EmitError) Error() string {
	return fmt.Sprintf("emit page for %s: %v", e.FileName, e.Err)
}

func (e *EmitError) Unwrap() error { return e.Err }

// Document is a PDF being built. It is exclusively owned by one goroutine;
// appends must not race.
type Document struct {
	pdf         *gofpdf.Fpdf
	jpegQuality int
	pages       int
	finalized   bool
}

// NewDocument starts an empty document. jpegQuality controls re-encoded
// image streams (1-100).
func NewDocument(jpegQuality int) *Document {
	// Unit is points; the per-page format set in AppendPage overrides the
	// placeholder size.
	return &Document{
		pdf:         gofpdf.New("P", "pt", "A4", ""),
		jpegQuality: jpegQuality,
	}
}

// PageCount returns the number of pages appended so far.
func (d *Document) PageCount() int { return d.pages }

// AppendPage emits one page: a MediaBox matching the placement's page
// dimensions, the image stream, and a content stream positioning the image.
func (d *Document) AppendPage(img decode.Image, pl layout.Placement) error {
	if d.finalized {
		return &EmitError{FileName: img.Name, Err: ErrAlreadyFinalized}
	}

	d.pdf.AddPageFormat("P", gofpdf.SizeType{Wd: pl.PageWidth, Ht: pl.PageHeight})
	if d.pdf.Err() {
		return d.takeError(img.Name)
	}

	// A zero-sized placement (margins consumed the whole page) keeps the
	// page but draws nothing; gofpdf would interpret 0x0 as intrinsic size.
	if pl.Width <= 0 || pl.Height <= 0 {
		d.pages++
		slog.Debug("appended empty page for zero-sized placement", "filename", img.Name, "page", d.pages)
		return nil
	}

	imageType, buf, err := d.encodeStream(img)
	if err != nil {
		return &EmitError{FileName: img.Name, Err: err}
	}
	defer bufferPool.Put(buf)

	// Names only need to be unique within the document.
	streamName := fmt.Sprintf("image%d_%d", d.pages, img.Frame)
	d.pdf.RegisterImageOptionsReader(streamName, gofpdf.ImageOptions{ImageType: imageType, ReadDpi: false}, buf)
	if d.pdf.Err() {
		return d.takeError(img.Name)
	}

	// Placement Y is in PDF user space (origin bottom-left); gofpdf wants the
	// distance from the top edge.
	yTop := pl.PageHeight - pl.Y - pl.Height
	d.pdf.ImageOptions(streamName, pl.X, yTop, pl.Width, pl.Height, false, gofpdf.ImageOptions{ImageType: imageType}, 0, "")
	if d.pdf.Err() {
		return d.takeError(img.Name)
	}

	d.pages++
	slog.Debug("appended page", "filename", img.Name, "page", d.pages, "pageWidth", pl.PageWidth, "pageHeight", pl.PageHeight, "scale", pl.Scale)
	return nil
}

// encodeStream re-encodes the canonical pixels for embedding. Formats that
// may carry transparency keep PNG; everything else becomes JPEG at the
// configured quality.
func (d *Document) encodeStream(img decode.Image) (string, *bytes.Buffer, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	switch img.Format {
	case decode.FormatPNG, decode.FormatSVG:
		if err := imaging.Encode(buf, img.Pixels, imaging.PNG); err != nil {
			bufferPool.Put(buf)
			return "", nil, fmt.Errorf("could not encode %s to png: %w", img.Name, err)
		}
		return "PNG", buf, nil
	default:
		if err := imaging.Encode(buf, img.Pixels, imaging.JPEG, imaging.JPEGQuality(d.jpegQuality)); err != nil {
			bufferPool.Put(buf)
			return "", nil, fmt.Errorf("could not encode %s to jpg: %w", img.Name, err)
		}
		return "JPG", buf, nil
	}
}

// takeError extracts and clears the accumulated gofpdf error so the document
// stays usable for the caller's cleanup path.
func (d *Document) takeError(name string) error {
	err := d.pdf.Error()
	d.pdf.ClearError()
	return &EmitError{FileName: name, Err: err}
}

// FinalizeError reports a document that could not be serialized.
type FinalizeError struct {
	Err error
}

func (e *FinalizeError) Error() string { return "finalize document: " + e.Err.Error() }

func (e *FinalizeError) Unwrap() error { return e.Err }

// Finalize writes header, body, cross-reference table and trailer and
// returns the finished bytes. A document finalizes at most once; a second
// call is a programming error and returns ErrAlreadyFinalized.
func (d *Document) Finalize() ([]byte, error) {
	if d.finalized {
		return nil, &FinalizeError{Err: ErrAlreadyFinalized}
	}
	if d.pdf.Err() {
		return nil, &FinalizeError{Err: d.pdf.Error()}
	}
	var out bytes.Buffer
	if err := d.pdf.Output(&out); err != nil {
		return nil, &FinalizeError{Err: err}
	}
	d.finalized = true
	slog.Debug("finalized document", "pages", d.pages, "bytes", out.Len())
	return out.Bytes(), nil
}
