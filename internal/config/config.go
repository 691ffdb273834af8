// Package config loads the optional YAML configuration file consumed by the
// CLI. Every field is optional; absent fields keep the engine defaults.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"img2pdf/internal/converter"
	"img2pdf/internal/layout"
)

// File mirrors the YAML configuration file. Pointer fields distinguish
// "absent" from zero values.
type File struct {
	PageSize        string   `yaml:"page_size"`
	Orientation     string   `yaml:"orientation"`
	Margin          *float64 `yaml:"margin"`
	CenterImage     *bool    `yaml:"center_image"`
	ScaleToFit      *bool    `yaml:"scale_to_fit"`
	SVGScale        *float64 `yaml:"svg_scale"`
	JPEGQuality     *int     `yaml:"jpeg_quality"`
	NumWorkers      *int     `yaml:"num_workers"`
	GroupSize       *int     `yaml:"group_size"`
	ContinueOnError *bool    `yaml:"continue_on_error"`
}

// Load reads and parses a YAML config file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("could not parse config file %s: %w", path, err)
	}
	return &f, nil
}

// ApplyOptions overlays the file's page geometry settings onto opts. Page
// size and orientation are case-insensitive in the file.
func (f *File) ApplyOptions(opts *layout.Options) {
	if f.PageSize != "" {
		opts.PageSize = layout.PageSize(strings.ToUpper(f.PageSize))
	}
	if f.Orientation != "" {
		opts.Orientation = layout.Orientation(strings.ToLower(f.Orientation))
	}
	if f.Margin != nil {
		opts.Margin = *f.Margin
	}
	if f.CenterImage != nil {
		opts.Center = *f.CenterImage
	}
	if f.ScaleToFit != nil {
		opts.ScaleToFit = *f.ScaleToFit
	}
	if f.SVGScale != nil {
		opts.SVGScale = *f.SVGScale
	}
}

// ApplyConfig overlays the file's engine tuning onto cfg.
func (f *File) ApplyConfig(cfg *converter.Config) {
	if f.JPEGQuality != nil {
		cfg.JPEGQuality = *f.JPEGQuality
	}
	if f.NumWorkers != nil {
		cfg.NumWorkers = *f.NumWorkers
	}
	if f.ContinueOnError != nil {
		cfg.ContinueOnError = *f.ContinueOnError
	}
}

// GroupSizeOr returns the configured batch group size, or def when absent.
func (f *File) GroupSizeOr(def int) int {
	if f.GroupSize != nil {
		return *f.GroupSize
	}
	return def
}

// FlagValues carries the command-line settings together with the set of flag
// names the user passed explicitly. Flags the user actually typed take
// precedence over the config file; untouched flags do not.
type FlagValues struct {
	Set map[string]bool

	PageSize    string
	Orientation string
	Margin      float64
	NoCenter    bool
	NoFit       bool
	SVGScale    float64
	Quality     int
	KeepGoing   bool
	GroupSize   int
}

// Resolve computes the effective settings: engine defaults, overlaid by the
// config file (nil for none), overlaid by explicitly passed flags.
func Resolve(file *File, fl FlagValues) (layout.Options, *converter.Config, int) {
	opts := layout.NewDefaultOptions()
	cfg := converter.NewDefaultConfig()
	group := 0

	if file != nil {
		file.ApplyOptions(&opts)
		file.ApplyConfig(cfg)
		group = file.GroupSizeOr(group)
	}

	if fl.Set["page"] {
		opts.PageSize = layout.PageSize(strings.ToUpper(fl.PageSize))
	}
	if fl.Set["orientation"] {
		opts.Orientation = layout.Orientation(strings.ToLower(fl.Orientation))
	}
	if fl.Set["margin"] {
		opts.Margin = fl.Margin
	}
	if fl.Set["no-center"] {
		opts.Center = !fl.NoCenter
	}
	if fl.Set["no-fit"] {
		opts.ScaleToFit = !fl.NoFit
	}
	if fl.Set["svg-scale"] {
		opts.SVGScale = fl.SVGScale
	}
	if fl.Set["quality"] {
		cfg.JPEGQuality = fl.Quality
	}
	if fl.Set["keep-going"] {
		cfg.ContinueOnError = fl.KeepGoing
	}
	if fl.Set["batch"] {
		group = fl.GroupSize
	}
	return opts, cfg, group
}
