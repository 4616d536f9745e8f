// Package main provides a command to validate a training configuration and
// inspect a snippet dataset before a training run.
package main

import (
	"context"
	"io"
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/egodepth/egodepth/config"
	"github.com/egodepth/egodepth/dataset"
	"github.com/egodepth/egodepth/loss"
	"github.com/egodepth/egodepth/ml"
	"github.com/egodepth/egodepth/model"
)

var logger = golog.NewDevelopmentLogger("egodepth")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	ConfigFile string `flag:"config,required,usage=path to the training config json"`
	DatasetDir string `flag:"dataset,usage=override the dataset directory from the config"`
	LossPass   bool   `flag:"losspass,usage=run one loss evaluation over the dataset with a constant-depth baseline"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	cfg, err := config.ReadConfigFromJSONFile(argsParsed.ConfigFile)
	if err != nil {
		return err
	}
	if argsParsed.DatasetDir != "" {
		cfg.DatasetDir = argsParsed.DatasetDir
	}
	if cfg.DatasetDir == "" {
		return errors.New("no dataset directory configured")
	}

	if argsParsed.LossPass {
		return lossPass(ctx, cfg, logger)
	}

	// surface loss misconfiguration now rather than at the first training step
	if _, err := loss.NewTotalLoss(cfg.LossOptions()); err != nil {
		return err
	}

	return inspectDataset(ctx, cfg, logger)
}

type predictor interface {
	Predict(features *ml.FeatureBatch) (*ml.Predictions, error)
}

// lossPass evaluates the configured objective over the whole dataset with a
// constant-depth baseline standing in for the real networks, logging per-term
// values per batch. Any wiring problem a training run would hit surfaces here.
func lossPass(ctx context.Context, cfg *config.Config, logger golog.Logger) error {
	plane := math.Sqrt(cfg.MinDepth * cfg.MaxDepth)
	net, err := model.NewConstantNetwork("baseline", cfg.SnippetLen, cfg.NumScales, plane)
	if err != nil {
		return err
	}

	var p predictor
	switch {
	case cfg.Stereo && hasTerm(cfg, "stereo_pose"):
		p, err = model.NewStereoPoseWrapper([]model.Network{net}, net.Name(), cfg.SnippetLen, logger)
	case cfg.Stereo:
		p, err = model.NewStereoWrapper([]model.Network{net}, logger)
	default:
		p, err = model.NewWrapper([]model.Network{net}, logger)
	}
	if err != nil {
		return err
	}

	opts := cfg.LossOptions()
	opts.RegWeights = net.Weights()
	total, err := loss.NewTotalLoss(opts)
	if err != nil {
		return err
	}

	d, err := dataset.Open(cfg.DatasetDir, cfg, logger)
	if err != nil {
		return err
	}
	it := d.NewIterator()
	for step := 0; ; step++ {
		batch, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "batch %d", step)
		}
		preds, err := p.Predict(batch)
		if err != nil {
			return errors.Wrapf(err, "batch %d", step)
		}
		res, err := total.Compute(batch, preds)
		if err != nil {
			return errors.Wrapf(err, "batch %d", step)
		}
		fields := []interface{}{"batch", step, "total", res.Total}
		for i, v := range res.Terms {
			fields = append(fields, cfg.LossTerms[i].Name, v)
		}
		logger.Infow("loss", fields...)
	}
	return nil
}

func hasTerm(cfg *config.Config, name string) bool {
	for _, tc := range cfg.LossTerms {
		if tc.Name == name {
			return true
		}
	}
	return false
}

// inspectDataset decodes every batch once, so malformed snippets fail here
// instead of mid-training, and reports ground-truth coverage.
func inspectDataset(ctx context.Context, cfg *config.Config, logger golog.Logger) error {
	d, err := dataset.Open(cfg.DatasetDir, cfg, logger)
	if err != nil {
		return err
	}
	logger.Infow("dataset opened",
		"snippets", d.Len(),
		"batches", d.Batches(),
		"batch_size", cfg.BatchSize,
		"stereo", cfg.Stereo,
	)

	it := d.NewIterator()
	batches, withDepthGT, withPoseGT := 0, 0, 0
	for {
		batch, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "batch %d", batches)
		}
		if err := batch.CheckValid(); err != nil {
			return errors.Wrapf(err, "batch %d", batches)
		}
		if batch.View.DepthGT != nil {
			withDepthGT++
		}
		if batch.View.PoseGT != nil {
			withPoseGT++
		}
		batches++
		logger.Debugw("batch ok",
			"index", batches-1,
			"image_shape", batch.View.Image.Shape(),
		)
	}

	logger.Infow("dataset inspection finished",
		"batches", batches,
		"with_depth_gt", withDepthGT,
		"with_pose_gt", withPoseGT,
	)
	return nil
}
