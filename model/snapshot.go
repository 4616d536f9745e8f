package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gorgonia.org/tensor"
)

// snapshotPath names the npy file holding one weight tensor of one network.
func snapshotPath(dir, netName, tag string, idx int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s_%03d.npy", netName, tag, idx))
}

// SaveWeights writes every network's weight tensors under dir as npy files
// keyed by network name and tag.
func (w *Wrapper) SaveWeights(dir, tag string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "creating snapshot directory")
	}
	for _, n := range w.networks {
		for i, wt := range n.Weights() {
			if err := writeNpy(snapshotPath(dir, n.Name(), tag, i), wt); err != nil {
				return errors.Wrapf(err, "saving weights of %q", n.Name())
			}
		}
	}
	w.logger.Infof("saved weight snapshot %q to %s", tag, dir)
	return nil
}

// LoadWeights restores network weights from a snapshot. A missing or
// unreadable snapshot is not fatal: the affected network keeps its current
// weights and the problem is logged, so training can start fresh.
func (w *Wrapper) LoadWeights(dir, tag string) {
	for _, n := range w.networks {
		current := n.Weights()
		loaded := make([]*tensor.Dense, 0, len(current))
		ok := true
		for i := range current {
			path := snapshotPath(dir, n.Name(), tag, i)
			wt, err := readNpy(path)
			if err != nil {
				w.logger.Infow("no usable weight snapshot, keeping current weights",
					"network", n.Name(), "path", path, "error", err)
				ok = false
				break
			}
			loaded = append(loaded, wt)
		}
		if !ok {
			continue
		}
		if err := n.SetWeights(loaded); err != nil {
			w.logger.Errorw("snapshot shape mismatch, keeping current weights",
				"network", n.Name(), "error", err)
			continue
		}
		w.logger.Infof("restored weights of %q from snapshot %q", n.Name(), tag)
	}
}

func writeNpy(path string, t *tensor.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := t.WriteNpy(f); err != nil {
		utils.UncheckedErrorFunc(f.Close)
		return err
	}
	return f.Close()
}

func readNpy(path string) (*tensor.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)
	t := new(tensor.Dense)
	if err := t.ReadNpy(f); err != nil {
		return nil, err
	}
	return t, nil
}
