// Package config holds the training configuration and its JSON loading and
// validation.
package config

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/egodepth/egodepth/loss"
)

// Config is the full training configuration.
type Config struct {
	// SnippetLen is the number of frames per snippet, odd so one target frame
	// sits between equal numbers of source frames.
	SnippetLen int `json:"snippet_len"`

	// ImageHeight and ImageWidth are the working resolution frames are
	// resized to at ingest.
	ImageHeight int `json:"image_height"`
	ImageWidth  int `json:"image_width"`

	BatchSize int `json:"batch_size"`

	// Stereo enables paired right-camera views and stereo loss terms.
	Stereo bool `json:"stereo"`

	// NumScales is the number of pyramid levels predictions come in, the
	// finest at the working resolution and each following level halved.
	NumScales int `json:"num_scales"`

	// MinDepth and MaxDepth bound the depth predictions.
	MinDepth float64 `json:"min_depth"`
	MaxDepth float64 `json:"max_depth"`

	LossTerms []loss.TermConfig `json:"loss_terms"`

	DatasetDir     string `json:"dataset_dir"`
	CheckpointDir  string `json:"checkpoint_dir"`
	CheckpointName string `json:"checkpoint_name"`
}

// DefaultConfig returns a monocular configuration with the conventional
// photometric, SSIM, and smoothness objective.
func DefaultConfig() *Config {
	return &Config{
		SnippetLen:  5,
		ImageHeight: 128,
		ImageWidth:  416,
		BatchSize:   4,
		NumScales:   4,
		MinDepth:    0.1,
		MaxDepth:    100,
		LossTerms: []loss.TermConfig{
			{Name: "photo_l1", Weight: 1},
			{Name: "photo_ssim", Weight: 1},
			{Name: "smoothness", Weight: 0.5},
		},
		CheckpointName: "latest",
	}
}

// ReadConfigFromJSONFile loads and validates a configuration file. Fields
// absent from the file keep their defaults.
func ReadConfigFromJSONFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening config file")
	}
	defer utils.UncheckedErrorFunc(f.Close)

	cfg := DefaultConfig()
	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %q", path)
	}
	if err := cfg.CheckValid(); err != nil {
		return nil, errors.Wrapf(err, "invalid config file %q", path)
	}
	return cfg, nil
}

// CheckValid verifies the configuration before any data or model work starts.
func (c *Config) CheckValid() error {
	if c.SnippetLen < 3 || c.SnippetLen%2 == 0 {
		return errors.Errorf("snippet_len must be odd and at least 3, got %d", c.SnippetLen)
	}
	if c.ImageHeight <= 0 || c.ImageWidth <= 0 {
		return errors.Errorf("image size %dx%d must be positive", c.ImageWidth, c.ImageHeight)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.NumScales < 1 {
		return errors.Errorf("num_scales must be at least 1, got %d", c.NumScales)
	}
	// every pyramid level must halve cleanly
	h, w := c.ImageHeight, c.ImageWidth
	for s := 1; s < c.NumScales; s++ {
		if h%2 != 0 || w%2 != 0 {
			return errors.Errorf("image size %dx%d does not halve across %d scales", c.ImageWidth, c.ImageHeight, c.NumScales)
		}
		h, w = h/2, w/2
	}
	if c.MinDepth <= 0 || c.MaxDepth <= c.MinDepth {
		return errors.Errorf("depth bounds [%v, %v] must satisfy 0 < min < max", c.MinDepth, c.MaxDepth)
	}
	if len(c.LossTerms) == 0 {
		return errors.New("no loss terms configured")
	}
	for _, tc := range c.LossTerms {
		if _, err := loss.ParseKind(tc.Name); err != nil {
			return err
		}
		if tc.Weight < 0 {
			return errors.Errorf("loss term %q has negative weight %v", tc.Name, tc.Weight)
		}
	}
	if c.CheckpointDir != "" {
		if info, err := os.Stat(c.CheckpointDir); err == nil && !info.IsDir() {
			return errors.Errorf("checkpoint_dir %q is not a directory", c.CheckpointDir)
		}
	}
	return nil
}

// NumSources is the number of source frames per snippet.
func (c *Config) NumSources() int {
	return c.SnippetLen - 1
}

// LossOptions builds the loss configuration from this config. The caller
// supplies the regularized parameter set separately when l2_regularizer is
// configured.
func (c *Config) LossOptions() loss.Options {
	return loss.Options{
		Terms:      c.LossTerms,
		Stereo:     c.Stereo,
		SnippetLen: c.SnippetLen,
	}
}
