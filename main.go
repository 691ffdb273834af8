package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sort"
	"syscall"

	"img2pdf/internal/config"
	"img2pdf/internal/converter"
	"img2pdf/internal/decode"
	"img2pdf/internal/layout"
)

// ErrNoSupportedFiles is returned when no supported image files are found in
// a directory.
var ErrNoSupportedFiles = errors.New("no supported image files found")

func main() {
	inputDir := flag.String("i", ".", "Input directory containing image files (.jpg, .jpeg, .png, .webp, .bmp, .tif, .tiff, .svg, .heic, .heif)")
	outputFile := flag.String("o", "", "Output file name (default derived from inputs: .pdf, or .zip in batch mode)")
	configFile := flag.String("config", "", "Optional YAML config file")
	pageSize := flag.String("page", "A4", "Page size: A4, LETTER, LEGAL, A3, A5 or FIT")
	orientation := flag.String("orientation", "auto", "Page orientation: auto, portrait or landscape")
	margin := flag.Float64("margin", 36, "Page margin in points")
	noCenter := flag.Bool("no-center", false, "Anchor images at the top-left margin instead of centering")
	noFit := flag.Bool("no-fit", false, "Keep images at intrinsic size instead of scaling down to fit")
	svgScale := flag.Float64("svg-scale", 2, "Rasterization scale for SVG inputs")
	groupSize := flag.Int("batch", 0, "Split output into PDFs of this many images each, packaged as a zip (0 = single PDF)")
	quality := flag.Int("quality", 90, "JPEG quality for embedded image streams (1-100)")
	keepGoing := flag.Bool("keep-going", false, "Skip images that fail to decode instead of aborting")
	cpuprofile := flag.String("cpuprofile", "", "Write cpu profile to `file`")
	memprofile := flag.String("memprofile", "", "Write memory profile to `file`")
	flag.Parse()

	// CPU Profiling
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatalf("could not create CPU profile: %v", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatalf("could not start CPU profile: %v", err)
		}
		defer pprof.StopCPUProfile()
		log.Printf("ℹ️ CPU profiling enabled, output to %s", *cpuprofile)
	}

	var file *config.File
	if *configFile != "" {
		var err error
		file, err = config.Load(*configFile)
		if err != nil {
			log.Fatalf("❌ %v", err)
		}
	}
	explicit := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	opts, cfg, batch := config.Resolve(file, config.FlagValues{
		Set:         explicit,
		PageSize:    *pageSize,
		Orientation: *orientation,
		Margin:      *margin,
		NoCenter:    *noCenter,
		NoFit:       *noFit,
		SVGScale:    *svgScale,
		Quality:     *quality,
		KeepGoing:   *keepGoing,
		GroupSize:   *groupSize,
	})

	runApp(*inputDir, *outputFile, batch, opts, cfg)

	// Memory Profiling
	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			log.Fatalf("could not create memory profile: %v", err)
		}
		defer f.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatalf("could not write memory profile: %v", err)
		}
		log.Printf("ℹ️ Memory profile written to %s", *memprofile)
	}
}

// runApp encapsulates the core application logic.
func runApp(inputDir, outputFile string, groupSize int, opts layout.Options, cfg *converter.Config) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sources, err := loadSupportedImageFiles(inputDir)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	log.Printf("Found %d image files to convert in %s.", len(sources), inputDir)

	onProgress := func(fraction float64, message string) {
		log.Printf("... %3.0f%% %s", fraction*100, message)
	}

	var data []byte
	var name string
	if groupSize > 0 {
		result, convErr := converter.ConvertBatch(ctx, sources, groupSize, opts, cfg, onProgress)
		if convErr != nil {
			failRun(convErr)
		}
		data, name = result.Data, result.Filename
		log.Printf("Packaged %d PDFs covering %d images.", result.PDFCount, result.ImageCount)
	} else {
		result, convErr := converter.Convert(ctx, sources, opts, cfg, onProgress)
		if convErr != nil {
			failRun(convErr)
		}
		data, name = result.Data, result.Filename
		log.Printf("Generated %d pages.", result.PageCount)
	}

	if outputFile == "" {
		outputFile = name
	}
	if err := os.WriteFile(outputFile, data, 0644); err != nil {
		// Leave no partial file behind.
		if removeErr := os.Remove(outputFile); removeErr != nil && !os.IsNotExist(removeErr) {
			log.Printf("⚠️ Warning: failed to remove partial output file %s: %v", outputFile, removeErr)
		}
		log.Fatalf("❌ Could not write output file: %v", err)
	}

	fmt.Printf("✅ Successfully created '%s' from images in '%s'\n", outputFile, inputDir)
}

func failRun(err error) {
	if errors.Is(err, context.Canceled) {
		log.Fatalf("🛑 Conversion cancelled; no output written.")
	}
	log.Fatalf("❌ Failed to convert images to PDF: %v", err)
}

// loadSupportedImageFiles scans a directory for supported image types and
// returns their contents as sources, sorted by filename.
func loadSupportedImageFiles(inputDir string) ([]decode.Source, error) {
	files, err := os.ReadDir(inputDir)
	if err != nil {
		return nil, fmt.Errorf("could not read directory %s: %w", inputDir, err)
	}

	var names []string
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if decode.DetectFormat(file.Name(), "") != decode.FormatUnknown {
			names = append(names, file.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w in directory %s", ErrNoSupportedFiles, inputDir)
	}
	sort.Strings(names)

	sources := make([]decode.Source, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(inputDir, name))
		if err != nil {
			return nil, fmt.Errorf("could not read file %s: %w", name, err)
		}
		sources = append(sources, decode.Source{Name: name, Data: data})
	}
	return sources, nil
}
