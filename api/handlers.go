// Package api exposes the conversion engine over HTTP: multipart uploads
// and image URLs in, a PDF document or a zip archive of documents out.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"img2pdf/internal/converter"
	"img2pdf/internal/decode"
	"img2pdf/internal/layout"
)

const defaultMaxMemory = 32 << 20 // 32 MB for multipart form parsing

// ErrUnsupportedContentType is returned when an image URL points to an
// unsupported content type.
var ErrUnsupportedContentType = errors.New("unsupported content type from URL")

type APIErrorResponse struct {
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSONError(w http.ResponseWriter, message string, details interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	errResponse := APIErrorResponse{
		Error:   message,
		Details: details,
	}
	if err := json.NewEncoder(w).Encode(errResponse); err != nil {
		slog.Error("Failed to write JSON error response", "error", err)
		http.Error(w, `{"error":"Failed to serialize error message"}`, http.StatusInternalServerError)
	}
}

// requestOptions is the JSON options blob accepted in the "options" form
// field. Absent fields keep the documented defaults.
type requestOptions struct {
	PageSize        string   `json:"pageSize"`
	Orientation     string   `json:"orientation"`
	Margin          *float64 `json:"margin"`
	CenterImage     *bool    `json:"centerImage"`
	ScaleToFit      *bool    `json:"scaleToFit"`
	SVGScale        *float64 `json:"svgScale"`
	Batch           bool     `json:"batch"`
	GroupSize       int      `json:"groupSize"`
	JPEGQuality     *int     `json:"jpegQuality"`
	NumWorkers      *int     `json:"numWorkers"`
	ContinueOnError *bool    `json:"continueOnError"`
}

func (r requestOptions) apply(opts *layout.Options, cfg *converter.Config) {
	if r.PageSize != "" {
		opts.PageSize = layout.PageSize(strings.ToUpper(r.PageSize))
	}
	if r.Orientation != "" {
		opts.Orientation = layout.Orientation(strings.ToLower(r.Orientation))
	}
	if r.Margin != nil {
		opts.Margin = *r.Margin
	}
	if r.CenterImage != nil {
		opts.Center = *r.CenterImage
	}
	if r.ScaleToFit != nil {
		opts.ScaleToFit = *r.ScaleToFit
	}
	if r.SVGScale != nil {
		opts.SVGScale = *r.SVGScale
	}
	if r.JPEGQuality != nil {
		cfg.JPEGQuality = *r.JPEGQuality
	}
	if r.NumWorkers != nil {
		cfg.NumWorkers = *r.NumWorkers
	}
	if r.ContinueOnError != nil {
		cfg.ContinueOnError = *r.ContinueOnError
	}
}

// indexedSource carries a fetched URL source back with its input position.
type indexedSource struct {
	index  int
	source decode.Source
	err    error
}

// HandleConvert accepts a multipart POST with "images" file parts, an
// optional "image_urls" JSON array and an optional "options" JSON blob, and
// responds with a PDF (or, in batch mode, a zip archive).
func HandleConvert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "Invalid request method", "Only POST is allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()

	defer func() {
		if r.Body != nil {
			io.Copy(io.Discard, r.Body)
			r.Body.Close()
		}
	}()

	if err := r.ParseMultipartForm(defaultMaxMemory); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			slog.Warn("Empty or malformed request body", "error", err)
			writeJSONError(w, "Malformed request body or empty request", err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("Failed to parse multipart form", "error", err)
		writeJSONError(w, "Failed to parse request data", err.Error(), http.StatusBadRequest)
		return
	}

	// --- Options ---
	opts := layout.NewDefaultOptions()
	cfg := converter.NewDefaultConfig()
	var reqOpts requestOptions
	if optionsStr := r.FormValue("options"); optionsStr != "" {
		if err := json.Unmarshal([]byte(optionsStr), &reqOpts); err != nil {
			slog.Warn("Failed to parse 'options' JSON", "error", err, "optionsStr", optionsStr)
			writeJSONError(w, "Invalid 'options' JSON", err.Error(), http.StatusBadRequest)
			return
		}
		reqOpts.apply(&opts, cfg)
		slog.Debug("Parsed request options", "options", opts, "config", cfg, "batch", reqOpts.Batch, "groupSize", reqOpts.GroupSize)
	}

	// --- Uploaded files ---
	var sources []decode.Source
	uploadedFiles := r.MultipartForm.File["images"]
	slog.Debug("Processing uploaded files", "count", len(uploadedFiles))
	for _, fileHeader := range uploadedFiles {
		file, err := fileHeader.Open()
		if err != nil {
			slog.Error("Failed to open uploaded file", "filename", fileHeader.Filename, "error", err)
			writeJSONError(w, fmt.Sprintf("Failed to open uploaded file: %s", fileHeader.Filename), err.Error(), http.StatusInternalServerError)
			return
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			slog.Error("Failed to read uploaded file", "filename", fileHeader.Filename, "error", err)
			writeJSONError(w, fmt.Sprintf("Failed to read uploaded file: %s", fileHeader.Filename), err.Error(), http.StatusInternalServerError)
			return
		}
		contentType := fileHeader.Header.Get("Content-Type")
		if contentType == "application/octet-stream" {
			contentType = ""
		}
		sources = append(sources, decode.Source{
			Name: fileHeader.Filename,
			Data: data,
			MIME: contentType,
		})
	}

	// --- Image URLs ---
	if imageURLsStr := r.FormValue("image_urls"); imageURLsStr != "" {
		var urls []string
		if err := json.Unmarshal([]byte(imageURLsStr), &urls); err != nil {
			slog.Warn("Failed to parse 'image_urls' JSON", "error", err, "urlsStr", imageURLsStr)
			writeJSONError(w, "Invalid 'image_urls' JSON", err.Error(), http.StatusBadRequest)
			return
		}
		fetched, err := fetchAll(ctx, urls)
		if err != nil {
			slog.Warn("Failed to fetch image URLs", "error", err)
			status := http.StatusUnprocessableEntity
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusGatewayTimeout
			}
			writeJSONError(w, "Failed to fetch image URL", err.Error(), status)
			return
		}
		sources = append(sources, fetched...)
	}

	if len(sources) == 0 {
		writeJSONError(w, "No images provided", "Please upload files or provide image URLs.", http.StatusBadRequest)
		return
	}

	slog.Info("Starting conversion", "numSources", len(sources), "batch", reqOpts.Batch)

	// --- Conversion ---
	var payload []byte
	var filename, contentType string
	var err error
	if reqOpts.Batch {
		groupSize := reqOpts.GroupSize
		if groupSize == 0 {
			groupSize = 1
		}
		var result *converter.BatchResult
		result, err = converter.ConvertBatch(ctx, sources, groupSize, opts, cfg, nil)
		if err == nil {
			payload, filename, contentType = result.Data, result.Filename, "application/zip"
			slog.Info("Batch conversion succeeded", "pdfCount", result.PDFCount, "imageCount", result.ImageCount)
		}
	} else {
		var result *converter.Result
		result, err = converter.Convert(ctx, sources, opts, cfg, nil)
		if err == nil {
			payload, filename, contentType = result.Data, result.Filename, "application/pdf"
			slog.Info("Conversion succeeded", "pages", result.PageCount)
		}
	}
	if err != nil {
		writeConversionError(w, err)
		return
	}

	// Sanitize filename slightly (very basic)
	filename = strings.ReplaceAll(filename, "/", "_")
	filename = strings.ReplaceAll(filename, "\"", "")

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	if _, err := w.Write(payload); err != nil {
		// Usually the client closed the connection; headers are already sent.
		slog.Error("Failed to write response body", "error", err)
	}
}

func writeConversionError(w http.ResponseWriter, err error) {
	slog.Error("Conversion failed", "error", err)
	var validationErr *converter.ValidationError
	var decodeErr *decode.DecodeError
	var layoutErr *layout.Error
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, "Conversion timed out or was canceled by client", err.Error(), http.StatusGatewayTimeout)
	case errors.As(err, &validationErr):
		writeJSONError(w, "Invalid conversion request", err.Error(), http.StatusBadRequest)
	case errors.As(err, &decodeErr):
		writeJSONError(w, fmt.Sprintf("Could not decode image: %s", decodeErr.FileName), err.Error(), http.StatusUnprocessableEntity)
	case errors.As(err, &layoutErr):
		writeJSONError(w, fmt.Sprintf("Could not lay out image: %s", layoutErr.FileName), err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, converter.ErrNoSupportedImages):
		writeJSONError(w, "No images could be processed", err.Error(), http.StatusUnprocessableEntity)
	default:
		writeJSONError(w, "Failed to convert images", err.Error(), http.StatusInternalServerError)
	}
}

// fetchAll downloads all URLs concurrently while preserving their position
// in the source list. Any single failure fails the whole fetch.
func fetchAll(ctx context.Context, urls []string) ([]decode.Source, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	fetchedChan := make(chan indexedSource, len(urls))
	var wg sync.WaitGroup
	for i, urlStr := range urls {
		wg.Add(1)
		go func(idx int, u string) {
			defer wg.Done()
			src, err := FetchImage(ctx, u)
			fetchedChan <- indexedSource{index: idx, source: src, err: err}
		}(i, urlStr)
	}
	wg.Wait()
	close(fetchedChan)

	sources := make([]decode.Source, len(urls))
	for res := range fetchedChan {
		if res.err != nil {
			return nil, res.err
		}
		sources[res.index] = res.source
	}
	return sources, nil
}

// FetchImage downloads an image from a URL into a Source. The response
// content type must be an image type.
func FetchImage(ctx context.Context, imageURL string) (decode.Source, error) {
	slog.Debug("Fetching image from URL", "url", imageURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return decode.Source{}, fmt.Errorf("failed to create request for %s: %w", imageURL, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return decode.Source{}, fmt.Errorf("failed to fetch %s: %w", imageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decode.Source{}, fmt.Errorf("failed to fetch %s: status %s", imageURL, resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		return decode.Source{}, fmt.Errorf("%w: %s from %s", ErrUnsupportedContentType, contentType, imageURL)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return decode.Source{}, fmt.Errorf("failed to read %s: %w", imageURL, err)
	}

	filename := filepath.Base(imageURL)
	if parsedURL, parseErr := url.ParseRequestURI(imageURL); parseErr == nil {
		filename = filepath.Base(parsedURL.Path)
	}

	return decode.Source{
		Name: filename,
		Data: data,
		MIME: contentType,
	}, nil
}
