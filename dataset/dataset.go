// Package dataset reads snippet records from a directory and assembles them
// into feature batches. Each snippet is a vertically stacked PNG with the
// source frames above the target frame; the directory carries one
// intrinsic.json for the rig, optional per-snippet ground truth as npy files,
// and a right/ subdirectory plus stereo_T_LR.npy for stereo rigs.
package dataset

import (
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/edaniels/golog"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gorgonia.org/tensor"

	"github.com/egodepth/egodepth/config"
	"github.com/egodepth/egodepth/ml"
	"github.com/egodepth/egodepth/timage"
)

// rigIntrinsics is the pinhole model stored in intrinsic.json, at the native
// resolution the frames were recorded at.
type rigIntrinsics struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

func (ri *rigIntrinsics) checkValid() error {
	if ri.Width <= 0 || ri.Height <= 0 {
		return errors.Errorf("invalid intrinsic resolution %dx%d", ri.Width, ri.Height)
	}
	if ri.Fx <= 0 || ri.Fy <= 0 {
		return errors.Errorf("invalid focal lengths fx=%v fy=%v", ri.Fx, ri.Fy)
	}
	if ri.Ppx < 0 || ri.Ppy < 0 {
		return errors.Errorf("invalid principal point (%v, %v)", ri.Ppx, ri.Ppy)
	}
	return nil
}

// matrix scales the intrinsics from the native resolution to the working one
// and lays them out as a row-major 3x3.
func (ri *rigIntrinsics) matrix(workW, workH int) []float32 {
	sx := float64(workW) / float64(ri.Width)
	sy := float64(workH) / float64(ri.Height)
	return []float32{
		float32(ri.Fx * sx), 0, float32(ri.Ppx * sx),
		0, float32(ri.Fy * sy), float32(ri.Ppy * sy),
		0, 0, 1,
	}
}

// Dataset is an opened snippet directory.
type Dataset struct {
	dir       string
	cfg       *config.Config
	ids       []string
	intrinsic []float32
	stereoTLR []float32 // row-major 4x4, nil for monocular rigs
	logger    golog.Logger
}

// Open scans a snippet directory. It fails when the directory is empty, the
// intrinsics are missing or malformed, or a stereo config finds no right-side
// data.
func Open(dir string, cfg *config.Config, logger golog.Logger) (*Dataset, error) {
	if err := cfg.CheckValid(); err != nil {
		return nil, err
	}
	ri, err := readIntrinsics(filepath.Join(dir, "intrinsic.json"))
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "reading dataset directory")
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".png") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".png"))
	}
	if len(ids) == 0 {
		return nil, errors.Errorf("no snippet images found in %q", dir)
	}
	sort.Strings(ids)

	d := &Dataset{
		dir:       dir,
		cfg:       cfg,
		ids:       ids,
		intrinsic: ri.matrix(cfg.ImageWidth, cfg.ImageHeight),
		logger:    logger,
	}
	if cfg.Stereo {
		tlr, err := readNpy(filepath.Join(dir, "stereo_T_LR.npy"))
		if err != nil {
			return nil, errors.Wrap(err, "reading stereo baseline")
		}
		if !tlr.Shape().Eq(tensor.Shape{4, 4}) {
			return nil, errors.Errorf("expected stereo baseline of shape [4, 4], got %v", tlr.Shape())
		}
		d.stereoTLR, err = timage.Floats(tlr)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(filepath.Join(dir, "right")); err != nil {
			return nil, errors.Wrap(err, "stereo config but no right/ subdirectory")
		}
	}
	logger.Infof("opened dataset %q with %d snippets", dir, len(ids))
	return d, nil
}

// Len is the number of snippets.
func (d *Dataset) Len() int { return len(d.ids) }

// Batches is the number of batches one pass over the dataset yields. A final
// partial batch counts.
func (d *Dataset) Batches() int {
	return (len(d.ids) + d.cfg.BatchSize - 1) / d.cfg.BatchSize
}

// NewIterator starts a fresh pass over the dataset.
func (d *Dataset) NewIterator() *Iterator {
	return &Iterator{d: d}
}

// Iterator yields feature batches in snippet order until io.EOF.
type Iterator struct {
	d   *Dataset
	pos int
}

// Next assembles the next batch. The final batch may hold fewer snippets than
// the configured batch size.
func (it *Iterator) Next(ctx context.Context) (*ml.FeatureBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.pos >= len(it.d.ids) {
		return nil, io.EOF
	}
	end := it.pos + it.d.cfg.BatchSize
	if end > len(it.d.ids) {
		end = len(it.d.ids)
	}
	ids := it.d.ids[it.pos:end]
	it.pos = end

	view, err := it.d.loadView(ids, "")
	if err != nil {
		return nil, err
	}
	batch := &ml.FeatureBatch{View: *view}
	if it.d.cfg.Stereo {
		right, err := it.d.loadView(ids, "right")
		if err != nil {
			return nil, err
		}
		batch.Right = right
		batch.StereoTLR = tileBatch(it.d.stereoTLR, len(ids), tensor.Shape{len(ids), 4, 4})
	}
	return batch, nil
}

// loadView reads and stacks the snippets of one camera.
func (d *Dataset) loadView(ids []string, subdir string) (*ml.ViewFeatures, error) {
	cfg := d.cfg
	b := len(ids)
	h, w, s := cfg.ImageHeight, cfg.ImageWidth, cfg.SnippetLen
	images := make([]float32, 0, b*s*h*w*3)

	var depths []float32
	var poses []float32
	haveDepth, havePose := true, true

	for _, id := range ids {
		base := filepath.Join(d.dir, subdir)
		img, err := loadSnippetImage(filepath.Join(base, id+".png"), s, h, w)
		if err != nil {
			return nil, errors.Wrapf(err, "snippet %q", id)
		}
		images = append(images, img...)

		if haveDepth {
			depth, ok, err := loadDepthGT(filepath.Join(base, id+"_depth.npy"), h, w)
			if err != nil {
				return nil, errors.Wrapf(err, "snippet %q", id)
			}
			if !ok {
				haveDepth = false
				depths = nil
			} else {
				depths = append(depths, depth...)
			}
		}
		if havePose {
			pose, ok, err := loadPoseGT(filepath.Join(base, id+"_pose.npy"), cfg.NumSources())
			if err != nil {
				return nil, errors.Wrapf(err, "snippet %q", id)
			}
			if !ok {
				havePose = false
				poses = nil
			} else {
				poses = append(poses, pose...)
			}
		}
	}

	view := &ml.ViewFeatures{
		Image:     tensor.New(tensor.WithShape(b, s*h, w, 3), tensor.WithBacking(images)),
		Intrinsic: tileBatch(d.intrinsic, b, tensor.Shape{b, 3, 3}),
	}
	if haveDepth {
		view.DepthGT = tensor.New(tensor.WithShape(b, h, w, 1), tensor.WithBacking(depths))
	}
	if havePose {
		view.PoseGT = tensor.New(tensor.WithShape(b, cfg.NumSources(), 6), tensor.WithBacking(poses))
	}
	return view, nil
}

// loadSnippetImage decodes a stacked PNG, resizes each frame independently to
// the working resolution, and scales pixels to [0, 1] float32.
func loadSnippetImage(path string, snippetLen, outH, outW int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)

	img, err := png.Decode(f)
	if err != nil {
		return nil, errors.Wrap(err, "decoding png")
	}
	bounds := img.Bounds()
	if bounds.Dy()%snippetLen != 0 {
		return nil, errors.Errorf("stacked image height %d is not a multiple of the snippet length %d", bounds.Dy(), snippetLen)
	}
	frameH := bounds.Dy() / snippetLen

	out := make([]float32, 0, snippetLen*outH*outW*3)
	for s := 0; s < snippetLen; s++ {
		frame := cropFrame(img, bounds.Min.Y+s*frameH, frameH)
		resized := resize.Resize(uint(outW), uint(outH), frame, resize.Bilinear)
		for y := 0; y < outH; y++ {
			for x := 0; x < outW; x++ {
				r, g, b, _ := resized.At(x, y).RGBA()
				out = append(out,
					float32(r)/65535,
					float32(g)/65535,
					float32(b)/65535,
				)
			}
		}
	}
	return out, nil
}

// cropFrame copies one horizontal band of a stacked image. Resizing frames
// separately keeps frame boundaries from bleeding into each other.
func cropFrame(img image.Image, top, frameH int) image.Image {
	bounds := img.Bounds()
	frame := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), frameH))
	for y := 0; y < frameH; y++ {
		for x := 0; x < bounds.Dx(); x++ {
			frame.Set(x, y, img.At(bounds.Min.X+x, top+y))
		}
	}
	return frame
}

// loadDepthGT reads an optional per-snippet ground-truth depth map and resizes
// it to the working resolution. A missing file is fine; a malformed one is
// not.
func loadDepthGT(path string, outH, outW int) ([]float32, bool, error) {
	t, err := readNpyOptional(path)
	if err != nil || t == nil {
		return nil, false, err
	}
	shape := t.Shape()
	var dh, dw int
	switch {
	case len(shape) == 2:
		dh, dw = shape[0], shape[1]
	case len(shape) == 3 && shape[2] == 1:
		dh, dw = shape[0], shape[1]
	default:
		return nil, false, errors.Errorf("expected depth ground truth of shape [h, w] or [h, w, 1], got %v", shape)
	}
	data, err := timage.Floats(t)
	if err != nil {
		return nil, false, err
	}
	native := tensor.New(tensor.WithShape(1, dh, dw, 1), tensor.WithBacking(data))
	resized, err := timage.ResizeBilinear(native, outH, outW)
	if err != nil {
		return nil, false, err
	}
	out, err := timage.Floats(resized)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// loadPoseGT reads the optional per-snippet ground-truth target-to-source
// twists [numSrc, 6].
func loadPoseGT(path string, numSrc int) ([]float32, bool, error) {
	t, err := readNpyOptional(path)
	if err != nil || t == nil {
		return nil, false, err
	}
	if !t.Shape().Eq(tensor.Shape{numSrc, 6}) {
		return nil, false, errors.Errorf("expected pose ground truth of shape [%d, 6], got %v", numSrc, t.Shape())
	}
	data, err := timage.Floats(t)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func readNpy(path string) (*tensor.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)
	t := new(tensor.Dense)
	if err := t.ReadNpy(f); err != nil {
		return nil, errors.Wrapf(err, "parsing %q", path)
	}
	return t, nil
}

func readNpyOptional(path string) (*tensor.Dense, error) {
	t, err := readNpy(path)
	if os.IsNotExist(errors.Cause(err)) {
		return nil, nil
	}
	return t, err
}

// tileBatch repeats one record b times into a batched tensor.
func tileBatch(record []float32, b int, shape tensor.Shape) *tensor.Dense {
	out := make([]float32, b*len(record))
	for i := 0; i < b; i++ {
		copy(out[i*len(record):], record)
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out))
}

func readIntrinsics(path string) (*rigIntrinsics, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening intrinsics file")
	}
	defer utils.UncheckedErrorFunc(f.Close)
	var ri rigIntrinsics
	if err := json.NewDecoder(f).Decode(&ri); err != nil {
		return nil, errors.Wrapf(err, "parsing %q", path)
	}
	if err := ri.checkValid(); err != nil {
		return nil, errors.Wrapf(err, "invalid intrinsics in %q", path)
	}
	return &ri, nil
}
