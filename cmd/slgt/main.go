// Command slgt trains and evaluates skeleton sign-language recognition models
// described by an experiment YAML file.
//
// Usage:
//
//	slgt -config config/testdata/wlasl100.yaml
//	slgt -config config/testdata/wlasl100.yaml -phase test -weights work_dir/wlasl100_joint/save_models/best_model.pb
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/irvl/slgt-go/config"
	_ "github.com/irvl/slgt-go/model/linear"
	"github.com/irvl/slgt-go/training"
)

func main() {
	klog.InitFlags(nil)
	configPath := flag.String("config", "", "path to the experiment YAML file")
	phase := flag.String("phase", "", "train or test (overrides the config)")
	weights := flag.String("weights", "", "checkpoint to initialize from (overrides the config)")
	workDir := flag.String("work-dir", "", "work directory (overrides the derived one)")
	flag.Parse()
	defer klog.Flush()

	if err := run(*configPath, *phase, *weights, *workDir); err != nil {
		fmt.Fprintf(os.Stderr, "slgt: %v\n", err)
		klog.Flush()
		os.Exit(1)
	}
}

func run(configPath, phase, weights, workDir string) error {
	if configPath == "" {
		return errors.New("-config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if phase != "" {
		cfg.Phase = phase
	}
	if weights != "" {
		cfg.Weights = weights
	}
	if workDir != "" {
		cfg.WorkDir = workDir
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return err
	}

	runID := uuid.NewString()
	klog.InfoS("Starting run", "run", runID, "experiment", cfg.ExperimentName, "phase", cfg.Phase, "workDir", cfg.WorkDir)
	if cfg.Phase == training.PhaseTrain {
		if _, err := cfg.WriteSnapshot(); err != nil {
			return err
		}
	}

	pc, err := cfg.ToProcessor(runID)
	if err != nil {
		return err
	}
	pc.Console = os.Stdout
	pc.Progress = os.Stderr

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := training.NewProcessor(pc)
	if err != nil {
		return err
	}
	err = p.Start(ctx)
	if cerr := p.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if tr := p.Trainer(); tr != nil && tr.Stopped() {
		klog.InfoS("Run stopped", "run", runID, "reason", context.Cause(ctx), "epochs", len(tr.History()))
	}
	klog.InfoS("Run finished", "run", runID, "bestAcc", p.Best().Acc, "bestEpoch", p.Best().Epoch+1)
	return nil
}
