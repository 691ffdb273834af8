// Package converter orchestrates the conversion pipeline: concurrent
// decoding, per-image layout, ordered page emission, batch grouping and
// archive packaging, with progress reporting and cooperative cancellation.
package converter

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"

	"img2pdf/internal/decode"
	"img2pdf/internal/layout"
	"img2pdf/internal/pdfgen"
)

// ErrNoSupportedImages is returned when no source survives decoding in
// ContinueOnError mode.
var ErrNoSupportedImages = errors.New("no supported images were successfully processed")

// ProgressFunc receives incremental progress. fraction is monotonically
// non-decreasing in [0,1]; message is a short human-readable status. The
// callback runs on the orchestrator goroutine and must not block.
type ProgressFunc func(fraction float64, message string)

// Config holds engine tuning for one conversion run.
type Config struct {
	JPEGQuality int `json:"jpegQuality"`
	NumWorkers  int `json:"numWorkers"`
	// ContinueOnError skips undecodable sources instead of aborting the run.
	ContinueOnError bool `json:"continueOnError"`
}

// NewDefaultConfig creates a new Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		JPEGQuality: 90,
		NumWorkers:  runtime.NumCPU(),
	}
}

// ValidationError reports input that fails the run's preconditions.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid conversion input: " + e.Reason }

// Result is a finished single-document conversion.
type Result struct {
	Data      []byte
	Filename  string
	PageCount int
}

// BatchResult is a finished batch conversion: a zip archive of documents.
type BatchResult struct {
	Data       []byte
	Filename   string
	PDFCount   int
	ImageCount int
}

// decoded pairs one source's decode output with its input position.
type decoded struct {
	index  int
	name   string
	images []decode.Image
	err    error
}

// decodeConcurrently decodes all sources with at most cfg.NumWorkers in
// flight. Results come back indexed by input position; launching stops as
// soon as cancellation is observed.
func decodeConcurrently(ctx context.Context, cfg *Config, opts layout.Options, sources []decode.Source) []decoded {
	slog.Debug("starting concurrent decode", "numSources", len(sources), "numWorkers", cfg.NumWorkers)
	results := make([]decoded, len(sources))
	for i, src := range sources {
		results[i] = decoded{index: i, name: src.Name, err: context.Canceled}
	}

	resultChan := make(chan decoded, len(sources))
	semaphore := make(chan struct{}, cfg.NumWorkers)
	launched := 0

	for i, src := range sources {
		select {
		case <-ctx.Done():
			slog.Info("cancellation observed before launching all decoders", "launched", launched, "total", len(sources))
			goto collect
		default:
		}
		launched++
		go func(idx int, s decode.Source) {
			select {
			case semaphore <- struct{}{}:
				defer func() { <-semaphore }()
			case <-ctx.Done():
				resultChan <- decoded{index: idx, name: s.Name, err: ctx.Err()}
				return
			}
			images, err := decode.Decode(s, opts.SVGScale)
			resultChan <- decoded{index: idx, name: s.Name, images: images, err: err}
		}(i, src)
	}

collect:
	for n := 0; n < launched; n++ {
		res := <-resultChan
		results[res.index] = res
	}
	slog.Debug("finished collecting decode results", "launched", launched)
	return results
}

// collectImages flattens decode results into page order, honoring the
// failure policy: by default the first error (in input order) aborts.
func collectImages(results []decoded, cfg *Config) ([]decode.Image, error) {
	var images []decode.Image
	skipped := 0
	for _, res := range results {
		if res.err != nil {
			if errors.Is(res.err, context.Canceled) || errors.Is(res.err, context.DeadlineExceeded) {
				return nil, res.err
			}
			if cfg.ContinueOnError {
				slog.Warn("skipping undecodable source", "filename", res.name, "error", res.err)
				skipped++
				continue
			}
			return nil, res.err
		}
		images = append(images, res.images...)
	}
	if len(images) == 0 {
		if skipped > 0 {
			return nil, fmt.Errorf("%w: %d sources failed to decode", ErrNoSupportedImages, skipped)
		}
		return nil, ErrNoSupportedImages
	}
	return images, nil
}

// buildDocument lays out and appends images in order. report is called with
// the count of pages appended so far, after each append.
func buildDocument(ctx context.Context, images []decode.Image, opts layout.Options, cfg *Config, report func(appended int)) ([]byte, int, error) {
	doc := pdfgen.NewDocument(cfg.JPEGQuality)
	for i, img := range images {
		select {
		case <-ctx.Done():
			slog.Info("cancellation observed before appending page", "filename", img.Name, "page", i+1)
			return nil, 0, ctx.Err()
		default:
		}

		pl, err := layout.ComputePlacement(img.Width, img.Height, opts, img.Name)
		if err != nil {
			return nil, 0, err
		}
		if err := doc.AppendPage(img, pl); err != nil {
			return nil, 0, err
		}
		if report != nil {
			report(i + 1)
		}
	}

	data, err := doc.Finalize()
	if err != nil {
		return nil, 0, err
	}
	return data, doc.PageCount(), nil
}

// Convert runs the whole pipeline for one output document. On cancellation
// it returns ctx's error and no bytes; on any decode, layout or emit failure
// it returns that error and no bytes.
func Convert(ctx context.Context, sources []decode.Source, opts layout.Options, cfg *Config, onProgress ProgressFunc) (*Result, error) {
	if err := validate(ctx, sources, opts, cfg); err != nil {
		return nil, err
	}

	images, err := collectImages(decodeConcurrently(ctx, cfg, opts, sources), cfg)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	total := len(images)
	data, pages, err := buildDocument(ctx, images, opts, cfg, func(appended int) {
		if onProgress != nil {
			onProgress(float64(appended)/float64(total), fmt.Sprintf("Processing image %d of %d", appended, total))
		}
	})
	if err != nil {
		return nil, err
	}

	result := &Result{
		Data:      data,
		Filename:  SingleOutputName(sources, pages),
		PageCount: pages,
	}
	slog.Info("conversion completed", "pages", pages, "bytes", len(data), "filename", result.Filename)
	return result, nil
}

// ConvertBatch partitions sources into consecutive groups of groupSize,
// builds one document per group and packages them all into a zip archive.
func ConvertBatch(ctx context.Context, sources []decode.Source, groupSize int, opts layout.Options, cfg *Config, onProgress ProgressFunc) (*BatchResult, error) {
	if err := validate(ctx, sources, opts, cfg); err != nil {
		return nil, err
	}
	if groupSize < 1 {
		return nil, &ValidationError{Reason: fmt.Sprintf("group size must be at least 1, got %d", groupSize)}
	}

	results := decodeConcurrently(ctx, cfg, opts, sources)

	// Grouping is by source position; a multi-frame source keeps all its
	// frames inside one group.
	var groups [][]decode.Image
	totalImages := 0
	for start := 0; start < len(results); start += groupSize {
		end := start + groupSize
		if end > len(results) {
			end = len(results)
		}
		images, err := collectImages(results[start:end], cfg)
		if err != nil {
			if errors.Is(err, ErrNoSupportedImages) && cfg.ContinueOnError {
				continue
			}
			return nil, err
		}
		groups = append(groups, images)
		totalImages += len(images)
	}
	if len(groups) == 0 {
		return nil, ErrNoSupportedImages
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	appendedBefore := 0
	for i, images := range groups {
		data, _, err := buildDocument(ctx, images, opts, cfg, func(appended int) {
			if onProgress != nil {
				done := appendedBefore + appended
				onProgress(float64(done)/float64(totalImages), fmt.Sprintf("Processing image %d of %d", done, totalImages))
			}
		})
		if err != nil {
			return nil, err
		}
		appendedBefore += len(images)

		member, err := zw.Create(fmt.Sprintf("images_part_%d.pdf", i+1))
		if err != nil {
			return nil, fmt.Errorf("could not create archive member %d: %w", i+1, err)
		}
		if _, err := member.Write(data); err != nil {
			return nil, fmt.Errorf("could not write archive member %d: %w", i+1, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("could not finalize archive: %w", err)
	}

	result := &BatchResult{
		Data:       archive.Bytes(),
		Filename:   fmt.Sprintf("images_%d_pdfs.zip", len(groups)),
		PDFCount:   len(groups),
		ImageCount: totalImages,
	}
	slog.Info("batch conversion completed", "pdfCount", result.PDFCount, "imageCount", result.ImageCount, "bytes", len(result.Data))
	return result, nil
}

func validate(ctx context.Context, sources []decode.Source, opts layout.Options, cfg *Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(sources) == 0 {
		return &ValidationError{Reason: "at least one input file is required"}
	}
	if err := opts.Validate(); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	if cfg.NumWorkers < 1 {
		return &ValidationError{Reason: fmt.Sprintf("worker count must be at least 1, got %d", cfg.NumWorkers)}
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		return &ValidationError{Reason: fmt.Sprintf("jpeg quality must be in 1-100, got %d", cfg.JPEGQuality)}
	}
	return nil
}

// SingleOutputName derives the download name for a single-document run: the
// lone source's base name with a .pdf extension, or a page-count name when
// several sources were combined.
func SingleOutputName(sources []decode.Source, pages int) string {
	if len(sources) == 1 {
		base := strings.TrimSuffix(filepath.Base(sources[0].Name), filepath.Ext(sources[0].Name))
		if base == "" || base == "." {
			base = "converted"
		}
		return base + ".pdf"
	}
	return fmt.Sprintf("images_%d_pages.pdf", pages)
}
