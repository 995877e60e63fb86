package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"federate/pkg/channel"
	"federate/pkg/federate"
	"federate/pkg/logicaltime"
	"federate/pkg/metrics"
	"federate/pkg/schema"
	"federate/pkg/snapshot"
	"federate/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// runAmbassador logs callbacks and forwards grants to the advance loop.
type runAmbassador struct {
	federate.NopAmbassador
	logger *zap.Logger
	joined chan error
	grants chan logicaltime.Time
}

func (a *runAmbassador) FederationJoined(h types.FederateHandle, timeImpl string) {
	a.logger.Info("Federation joined", zap.Uint32("handle", uint32(h)), zap.String("time_implementation", timeImpl))
	a.joined <- nil
}

func (a *runAmbassador) JoinFailed(reason string) {
	a.joined <- fmt.Errorf("join failed: %s", reason)
}

func (a *runAmbassador) DiscoverObjectInstance(obj types.ObjectInstanceHandle, class types.ObjectClassHandle, name string) {
	a.logger.Info("Object discovered",
		zap.Uint64("object", uint64(obj)),
		zap.Uint64("class", uint64(class)),
		zap.String("name", name))
}

func (a *runAmbassador) RemoveObjectInstance(obj types.ObjectInstanceHandle, _ types.UserTag) {
	a.logger.Info("Object removed", zap.Uint64("object", uint64(obj)))
}

func (a *runAmbassador) TimeAdvanceGrant(t logicaltime.Time) {
	select {
	case a.grants <- t:
	default:
	}
}

func (a *runAmbassador) FederationSaved(success bool, reason string) {
	a.logger.Info("Federation saved", zap.Bool("success", success), zap.String("reason", reason))
}

func (a *runAmbassador) FederationRestored(success bool, reason string) {
	a.logger.Info("Federation restored", zap.Bool("success", success), zap.String("reason", reason))
}

func runCmd() *cobra.Command {
	var (
		lookahead   float64
		step        float64
		steps       int
		constrained bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join a federation and run the callback pump",
		Long: `Connect to the broker, join the configured federation and deliver
callbacks until interrupted. With --step the federate advances its logical
time by step after every grant, --steps times.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.SchemaPath == "" {
				return fmt.Errorf("schema_path is required")
			}
			sch, err := schema.LoadYAML(cfg.SchemaPath)
			if err != nil {
				return err
			}

			archive, err := snapshot.OpenArchive(cfg.ArchivePath, logger)
			if err != nil {
				return err
			}
			defer archive.Close()

			registry := prometheus.NewRegistry()
			m := metrics.New(registry)
			if cfg.MetricsAddress != "" {
				server := metrics.StartServer(cfg.MetricsAddress, registry, logger)
				defer server.Close()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ch, err := channel.Dial(ctx, cfg.RTIAddress, channel.DialConfig{
				Timeout:       cfg.Dial.Timeout.Std(),
				Retries:       cfg.Dial.Retries,
				RetryInterval: cfg.Dial.RetryInterval.Std(),
			}, logger)
			if err != nil {
				return err
			}

			s, err := federate.New(federate.Options{
				Schema:          sch,
				Channel:         ch,
				Archive:         archive,
				Metrics:         m,
				QueueDepth:      cfg.QueueDepth,
				MaxSnapshotSize: int64(cfg.MaxSnapshotSize),
				Logger:          logger,
			})
			if err != nil {
				ch.Close()
				return err
			}
			defer s.Close()

			amb := &runAmbassador{
				logger: logger,
				joined: make(chan error, 1),
				grants: make(chan logicaltime.Time, 1),
			}
			if err := s.Join(ctx, cfg.Federation, cfg.FederateName, cfg.FederateType, cfg.TimeImplementation, amb); err != nil {
				return err
			}
			s.StartPump(ctx, cfg.PumpInterval.Std(), cfg.CallbackBudget.Std())

			select {
			case err := <-amb.joined:
				if err != nil {
					return err
				}
			case <-ctx.Done():
				return nil
			}

			if step > 0 {
				if err := advance(ctx, s, amb, lookahead, step, steps, constrained, logger); err != nil {
					logger.Error("Time advance stopped", zap.Error(err))
				}
			}

			<-ctx.Done()
			logger.Info("Shutting down federate")

			resignCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.Resign(resignCtx); err != nil {
				logger.Warn("Resign failed", zap.Error(err))
			}
			return nil
		},
	}

	cmd.Flags().Float64Var(&lookahead, "lookahead", 1, "lookahead used when regulating")
	cmd.Flags().Float64Var(&step, "step", 0, "advance logical time by step after each grant")
	cmd.Flags().IntVar(&steps, "steps", 10, "number of advances to request")
	cmd.Flags().BoolVar(&constrained, "constrained", false, "also become time constrained")

	return cmd
}

// advance enables regulation and requests steps successive advances.
func advance(ctx context.Context, s *federate.Session, amb *runAmbassador, lookahead, step float64, steps int, constrained bool, logger *zap.Logger) error {
	f, err := s.TimeFactory()
	if err != nil {
		return err
	}
	la, err := interval(f, lookahead)
	if err != nil {
		return err
	}
	stepIv, err := interval(f, step)
	if err != nil {
		return err
	}

	if err := s.EnableTimeRegulation(ctx, la); err != nil {
		return err
	}
	if err := waitState(ctx, s, types.TimeIdle); err != nil {
		return err
	}
	if constrained {
		if err := s.EnableTimeConstrained(ctx); err != nil {
			return err
		}
		if err := waitState(ctx, s, types.TimeIdle); err != nil {
			return err
		}
	}

	for i := 0; i < steps; i++ {
		now, err := s.QueryLogicalTime()
		if err != nil {
			return err
		}
		next, err := now.Add(stepIv)
		if err != nil {
			return err
		}
		if err := s.TimeAdvanceRequest(ctx, next); err != nil {
			return err
		}
		select {
		case t := <-amb.grants:
			logger.Info("Time advanced", zap.String("time", t.String()))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func interval(f logicaltime.Factory, v float64) (logicaltime.Interval, error) {
	switch f.Kind() {
	case logicaltime.KindInteger64:
		return logicaltime.NewInteger64Interval(int64(v))
	default:
		return logicaltime.NewFloat64Interval(v)
	}
}

// waitState polls until the time state machine reaches want.
func waitState(ctx context.Context, s *federate.Session, want types.TimeState) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for s.TimeState() != want {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
