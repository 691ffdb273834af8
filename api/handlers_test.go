package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Helper to produce an in-memory PNG.
func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode test PNG: %v", err)
	}
	return buf.Bytes()
}

// Helper function to create a new multipart/form-data request with in-memory
// files and form values.
func newUploadRequest(t *testing.T, url string, params map[string]string, files map[string][]byte) *http.Request {
	t.Helper()
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)

	for key, val := range params {
		if err := writer.WriteField(key, val); err != nil {
			t.Fatalf("Failed to write field %s: %v", key, err)
		}
	}
	for name, data := range files {
		part, err := writer.CreateFormFile("images", name)
		if err != nil {
			t.Fatalf("Failed to create form file %s: %v", name, err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatalf("Failed to write form file %s: %v", name, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Failed to close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, url, body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func pdfPageCount(t *testing.T, data []byte) int {
	t.Helper()
	ctx, err := pdfapi.ReadContext(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		t.Fatalf("pdfcpu could not read response PDF: %v", err)
	}
	if err := pdfapi.ValidateContext(ctx); err != nil {
		t.Fatalf("pdfcpu validation failed: %v", err)
	}
	return ctx.PageCount
}

func decodeErrorResponse(t *testing.T, body io.Reader) APIErrorResponse {
	t.Helper()
	var resp APIErrorResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode JSON error response: %v", err)
	}
	return resp
}

func TestHandleConvertMethodNotAllowed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/convert", nil)
	rr := httptest.NewRecorder()
	HandleConvert(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rr.Code)
	}
	resp := decodeErrorResponse(t, rr.Body)
	if resp.Error == "" {
		t.Error("Expected JSON error envelope")
	}
}

func TestHandleConvertNoImages(t *testing.T) {
	req := newUploadRequest(t, "/convert", nil, nil)
	rr := httptest.NewRecorder()
	HandleConvert(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty upload, got %d", rr.Code)
	}
}

func TestHandleConvertInvalidOptionsJSON(t *testing.T) {
	req := newUploadRequest(t, "/convert", map[string]string{"options": "{not json"}, map[string][]byte{
		"a.png": testPNG(t, 10, 10),
	})
	rr := httptest.NewRecorder()
	HandleConvert(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed options, got %d", rr.Code)
	}
}

func TestHandleConvertSinglePDF(t *testing.T) {
	req := newUploadRequest(t, "/convert", nil, map[string][]byte{
		"one.png": testPNG(t, 40, 30),
		"two.png": testPNG(t, 30, 40),
	})
	rr := httptest.NewRecorder()
	HandleConvert(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("Expected application/pdf, got %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "images_2_pages.pdf") {
		t.Errorf("Expected page-count filename in Content-Disposition, got %q", cd)
	}
	if pages := pdfPageCount(t, rr.Body.Bytes()); pages != 2 {
		t.Errorf("Expected 2 pages, got %d", pages)
	}
}

func TestHandleConvertSingleFileNaming(t *testing.T) {
	req := newUploadRequest(t, "/convert", nil, map[string][]byte{
		"vacation.png": testPNG(t, 25, 25),
	})
	rr := httptest.NewRecorder()
	HandleConvert(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "vacation.pdf") {
		t.Errorf("Expected source-derived filename, got %q", cd)
	}
}

func TestHandleConvertWithOptions(t *testing.T) {
	options := `{"pageSize":"letter","orientation":"portrait","margin":18,"scaleToFit":true}`
	req := newUploadRequest(t, "/convert", map[string]string{"options": options}, map[string][]byte{
		"a.png": testPNG(t, 100, 50),
	})
	rr := httptest.NewRecorder()
	HandleConvert(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	// Letter portrait MediaBox as written by gofpdf.
	if !bytes.Contains(rr.Body.Bytes(), []byte("612.00 792.00")) {
		t.Error("Expected Letter MediaBox dimensions in output")
	}
}

func TestHandleConvertBadPageSize(t *testing.T) {
	req := newUploadRequest(t, "/convert", map[string]string{"options": `{"pageSize":"TABLOID"}`}, map[string][]byte{
		"a.png": testPNG(t, 10, 10),
	})
	rr := httptest.NewRecorder()
	HandleConvert(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown page size, got %d", rr.Code)
	}
}

func TestHandleConvertCorruptImage(t *testing.T) {
	req := newUploadRequest(t, "/convert", nil, map[string][]byte{
		"broken.png": []byte("definitely not a png"),
	})
	rr := httptest.NewRecorder()
	HandleConvert(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for corrupt image, got %d", rr.Code)
	}
	resp := decodeErrorResponse(t, rr.Body)
	if !strings.Contains(resp.Error, "broken.png") {
		t.Errorf("Expected offending file name in error, got %q", resp.Error)
	}
}

func TestHandleConvertBatchZip(t *testing.T) {
	files := map[string][]byte{}
	for i := 0; i < 5; i++ {
		files[fmt.Sprintf("img%d.png", i)] = testPNG(t, 20, 20)
	}
	req := newUploadRequest(t, "/convert", map[string]string{"options": `{"batch":true,"groupSize":2}`}, files)
	rr := httptest.NewRecorder()
	HandleConvert(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/zip" {
		t.Errorf("Expected application/zip, got %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "images_3_pdfs.zip") {
		t.Errorf("Expected archive filename in Content-Disposition, got %q", cd)
	}

	data := rr.Body.Bytes()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Response is not a readable zip: %v", err)
	}
	if len(zr.File) != 3 {
		t.Errorf("Expected 3 archive members for 5 images at group size 2, got %d", len(zr.File))
	}
}

func TestHandleConvertImageURLs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(testPNG(t, 30, 30))
	}))
	defer server.Close()

	urls, _ := json.Marshal([]string{server.URL + "/remote.png"})
	req := newUploadRequest(t, "/convert", map[string]string{"image_urls": string(urls)}, map[string][]byte{
		"local.png": testPNG(t, 20, 20),
	})
	rr := httptest.NewRecorder()
	HandleConvert(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if pages := pdfPageCount(t, rr.Body.Bytes()); pages != 2 {
		t.Errorf("Expected 2 pages (upload + URL), got %d", pages)
	}
}

func TestHandleConvertURLFetchFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	urls, _ := json.Marshal([]string{server.URL + "/missing.png"})
	req := newUploadRequest(t, "/convert", map[string]string{"image_urls": string(urls)}, nil)
	rr := httptest.NewRecorder()
	HandleConvert(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for failed URL fetch, got %d", rr.Code)
	}
}

func TestFetchImageSuccess(t *testing.T) {
	payload := testPNG(t, 15, 15)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(payload)
	}))
	defer server.Close()

	src, err := FetchImage(context.Background(), server.URL+"/pic.png")
	if err != nil {
		t.Fatalf("FetchImage failed: %v", err)
	}
	if src.Name != "pic.png" {
		t.Errorf("Expected filename derived from URL path, got %q", src.Name)
	}
	if src.MIME != "image/png" {
		t.Errorf("Expected content type image/png, got %q", src.MIME)
	}
	if !bytes.Equal(src.Data, payload) {
		t.Error("Fetched bytes do not match served bytes")
	}
}

func TestFetchImageUnsupportedContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html></html>")
	}))
	defer server.Close()

	_, err := FetchImage(context.Background(), server.URL)
	if !errors.Is(err, ErrUnsupportedContentType) {
		t.Errorf("Expected ErrUnsupportedContentType, got %v", err)
	}
}

func TestFetchImageContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(testPNG(t, 5, 5))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := FetchImage(ctx, server.URL)
	if err == nil || !strings.Contains(err.Error(), "context canceled") {
		t.Errorf("Expected context cancellation error, got %v", err)
	}
}
