// Package loss assembles the self-supervision training objective: photometric
// errors between synthesized and real target views, disparity smoothness,
// stereo consistency terms, flow warp errors, and weight regularization, each
// weighted and summed into a single scalar.
package loss

import (
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/egodepth/egodepth/ml"
)

// Kind identifies a loss term variant. The set is closed: every supported
// term appears here and declares the prediction fields it reads.
type Kind int

// The supported loss terms.
const (
	KindPhotoL1 Kind = iota
	KindPhotoSSIM
	KindSmoothness
	KindStereoDepthL1
	KindStereoDepthSSIM
	KindStereoPose
	KindFlowWarpL1
	KindFlowWarpSSIM
	KindL2Reg
)

var kindNames = map[string]Kind{
	"photo_l1":          KindPhotoL1,
	"photo_ssim":        KindPhotoSSIM,
	"smoothness":        KindSmoothness,
	"stereo_depth_l1":   KindStereoDepthL1,
	"stereo_depth_ssim": KindStereoDepthSSIM,
	"stereo_pose":       KindStereoPose,
	"flow_warp_l1":      KindFlowWarpL1,
	"flow_warp_ssim":    KindFlowWarpSSIM,
	"l2_regularizer":    KindL2Reg,
}

// ParseKind resolves a configured loss-term name. Unknown names are a
// configuration error.
func ParseKind(name string) (Kind, error) {
	k, ok := kindNames[name]
	if !ok {
		return 0, errors.Errorf("unknown loss term %q", name)
	}
	return k, nil
}

func (k Kind) String() string {
	for name, kind := range kindNames {
		if kind == k {
			return name
		}
	}
	return "unknown"
}

// stereoOnly reports whether the term only makes sense on a stereo rig.
func (k Kind) stereoOnly() bool {
	switch k {
	case KindStereoDepthL1, KindStereoDepthSSIM, KindStereoPose:
		return true
	default:
		return false
	}
}

// TermConfig is one configured loss term: a name from the closed term set and
// its weight in the total.
type TermConfig struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// Options configures a TotalLoss.
type Options struct {
	Terms      []TermConfig
	Stereo     bool
	SnippetLen int
	// RegWeights is the parameter set the l2_regularizer term sums over,
	// required only when that term is configured.
	RegWeights []*tensor.Dense
}

type term struct {
	kind   Kind
	weight float64
}

// TotalLoss evaluates a configured list of weighted loss terms over a feature
// batch and its predictions. It holds no mutable state between calls.
type TotalLoss struct {
	terms      []term
	stereo     bool
	snippetLen int
	regWeights []*tensor.Dense
}

// NewTotalLoss validates the configuration once, before any numeric work:
// term names must be known, stereo-only terms require the stereo flag, the
// snippet length must be odd, and the regularizer needs its parameter set.
func NewTotalLoss(opts Options) (*TotalLoss, error) {
	if len(opts.Terms) == 0 {
		return nil, errors.New("no loss terms configured")
	}
	if opts.SnippetLen < 3 || opts.SnippetLen%2 == 0 {
		return nil, errors.Errorf("snippet length must be odd and at least 3, got %d", opts.SnippetLen)
	}
	terms := make([]term, 0, len(opts.Terms))
	for _, tc := range opts.Terms {
		kind, err := ParseKind(tc.Name)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(tc.Weight) || math.IsInf(tc.Weight, 0) || tc.Weight < 0 {
			return nil, errors.Errorf("loss term %q has invalid weight %v", tc.Name, tc.Weight)
		}
		if kind.stereoOnly() && !opts.Stereo {
			return nil, errors.Errorf("loss term %q requires stereo to be enabled", tc.Name)
		}
		if kind == KindL2Reg && len(opts.RegWeights) == 0 {
			return nil, errors.New("l2_regularizer is configured but no parameter set was provided")
		}
		terms = append(terms, term{kind: kind, weight: tc.Weight})
	}
	return &TotalLoss{
		terms:      terms,
		stereo:     opts.Stereo,
		snippetLen: opts.SnippetLen,
		regWeights: opts.RegWeights,
	}, nil
}

// Result is the total loss plus the weighted per-term values in configured
// order, for logging.
type Result struct {
	Total float64
	Terms []float64
}

// Compute evaluates every configured term. Missing prediction fields required
// by an active term fail before any synthesis or loss arithmetic runs.
func (tl *TotalLoss) Compute(features *ml.FeatureBatch, preds *ml.Predictions) (Result, error) {
	if err := features.CheckValid(); err != nil {
		return Result{}, err
	}
	if err := tl.checkRequiredPredictions(features, preds); err != nil {
		return Result{}, err
	}

	augm, err := augment(features, preds, tl.snippetLen, tl.stereo)
	if err != nil {
		return Result{}, err
	}

	res := Result{Terms: make([]float64, 0, len(tl.terms))}
	for _, tm := range tl.terms {
		v, err := tl.evalTerm(tm.kind, features, preds, augm)
		if err != nil {
			return Result{}, errors.Wrapf(err, "evaluating loss term %q", tm.kind)
		}
		weighted := v * tm.weight
		res.Terms = append(res.Terms, weighted)
		res.Total += weighted
	}
	return res, nil
}

// checkRequiredPredictions enforces the per-variant field requirements before
// numeric work starts; a missing field is a misconfiguration, never silently
// skipped.
func (tl *TotalLoss) checkRequiredPredictions(features *ml.FeatureBatch, preds *ml.Predictions) error {
	needView := func(kind Kind, v *ml.ViewPredictions, side string, outputs ...ml.Output) error {
		if v == nil {
			return errors.Errorf("loss term %q requires %s-side predictions", kind, side)
		}
		for _, o := range outputs {
			if !v.Has(o) {
				return errors.Errorf("loss term %q requires a %s prediction on the %s side", kind, o, side)
			}
		}
		return nil
	}

	for _, tm := range tl.terms {
		switch tm.kind {
		case KindPhotoL1, KindPhotoSSIM:
			if err := needView(tm.kind, &preds.View, "primary", ml.OutputDepth, ml.OutputPose); err != nil {
				return err
			}
			if tl.stereo {
				if err := needView(tm.kind, preds.Right, "right", ml.OutputDepth, ml.OutputPose); err != nil {
					return err
				}
			}
		case KindSmoothness:
			if err := needView(tm.kind, &preds.View, "primary", ml.OutputDepth); err != nil {
				return err
			}
			if tl.stereo {
				if err := needView(tm.kind, preds.Right, "right", ml.OutputDepth); err != nil {
					return err
				}
			}
		case KindStereoDepthL1, KindStereoDepthSSIM:
			if features.StereoTLR == nil {
				return errors.Errorf("loss term %q requires the stereo_T_LR baseline feature", tm.kind)
			}
			if err := needView(tm.kind, &preds.View, "primary", ml.OutputDepth); err != nil {
				return err
			}
			if err := needView(tm.kind, preds.Right, "right", ml.OutputDepth); err != nil {
				return err
			}
		case KindStereoPose:
			if features.StereoTLR == nil {
				return errors.Errorf("loss term %q requires the stereo_T_LR baseline feature", tm.kind)
			}
			if preds.PoseLR == nil || preds.PoseRL == nil {
				return errors.Errorf("loss term %q requires predicted stereo extrinsics pose_LR and pose_RL", tm.kind)
			}
		case KindFlowWarpL1, KindFlowWarpSSIM:
			if err := needView(tm.kind, &preds.View, "primary", ml.OutputFlow); err != nil {
				return err
			}
		}
	}
	return nil
}

func (tl *TotalLoss) evalTerm(kind Kind, features *ml.FeatureBatch, preds *ml.Predictions, augm *Augmented) (float64, error) {
	// photometric-style terms run on both views of a stereo rig and sum
	perView := func(eval func(av *ViewAugmented, vp *ml.ViewPredictions) (float64, error)) (float64, error) {
		total, err := eval(&augm.View, &preds.View)
		if err != nil {
			return 0, err
		}
		if tl.stereo && augm.Right != nil {
			right, err := eval(augm.Right, preds.Right)
			if err != nil {
				return 0, err
			}
			total += right
		}
		return total, nil
	}

	switch kind {
	case KindPhotoL1:
		return perView(func(av *ViewAugmented, _ *ml.ViewPredictions) (float64, error) {
			return photoMultiScale(MetricL1, av)
		})
	case KindPhotoSSIM:
		return perView(func(av *ViewAugmented, _ *ml.ViewPredictions) (float64, error) {
			return photoMultiScale(MetricSSIM, av)
		})
	case KindSmoothness:
		return perView(func(av *ViewAugmented, vp *ml.ViewPredictions) (float64, error) {
			disp := vp.DispMS
			if len(disp) == 0 {
				disp = vp.DepthMS
			}
			return smoothMultiScale(disp, av)
		})
	case KindStereoDepthL1:
		return stereoDepthLoss(MetricL1, features, preds, augm)
	case KindStereoDepthSSIM:
		return stereoDepthLoss(MetricSSIM, features, preds, augm)
	case KindStereoPose:
		return stereoPoseLoss(features, preds)
	case KindFlowWarpL1:
		return perView(func(av *ViewAugmented, vp *ml.ViewPredictions) (float64, error) {
			if len(av.WarpedTargetMS) == 0 {
				return 0, nil
			}
			return flowWarpMultiScale(MetricL1, av)
		})
	case KindFlowWarpSSIM:
		return perView(func(av *ViewAugmented, vp *ml.ViewPredictions) (float64, error) {
			if len(av.WarpedTargetMS) == 0 {
				return 0, nil
			}
			return flowWarpMultiScale(MetricSSIM, av)
		})
	case KindL2Reg:
		return l2Regularizer(tl.regWeights)
	default:
		return 0, errors.Errorf("unknown loss kind %d", kind)
	}
}
