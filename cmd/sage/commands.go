package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/sage/pkg/kafka"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/routes"
)

// NewServeCommand runs the HTTP API and, when enabled, the submission consumer.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the profile API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := opts.cfg

			a, err := newApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			health := routes.NewChecker(cfg.Version)
			a.registerChecks(health)

			e := routes.NewServer(cfg.AppName, a.handler(), health, a.logger)
			srv := &http.Server{
				Addr:              fmtAddr(cfg.Port),
				Handler:           e,
				ReadTimeout:       cfg.HTTPReadTimeout(),
				WriteTimeout:      cfg.HTTPWriteTimeout(),
				IdleTimeout:       cfg.HTTPIdleTimeout(),
				ReadHeaderTimeout: cfg.HTTPReadHeaderTimeout(),
				MaxHeaderBytes:    cfg.MaxHeaderBytes,
			}

			if cfg.KafkaConsumerEnabled {
				consumer := kafka.NewConsumer(kafka.ConsumerConfig{
					Brokers:       cfg.KafkaBrokers,
					Topic:         cfg.KafkaInputTopic,
					ConsumerGroup: cfg.KafkaConsumerGroup,
				}, a.logger, a.sync.HandleMessage)
				if err := consumer.Start(ctx); err != nil {
					return err
				}
				defer func() {
					if err := consumer.Stop(); err != nil {
						a.logger.WithError(err).Warn("Failed to stop kafka consumer")
					}
				}()
				health.AddCheck("kafka_consumer", consumer.Check)
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.logger.WithContext(gctx).Infof("Listening on %s", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				health.SetReady(false)
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
				defer cancel()
				a.logger.WithContext(shutdownCtx).Info("Shutting down HTTP server")
				err := srv.Shutdown(shutdownCtx)
				if rerr := a.rebuilder.Shutdown(shutdownCtx); rerr != nil {
					a.logger.WithContext(shutdownCtx).WithError(rerr).Warn("Profile rebuild did not stop before shutdown timeout")
				}
				return err
			})
			health.SetReady(true)

			return g.Wait()
		},
	}
}

// NewMigrateCommand applies the schema migrations and exits.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := *opts.cfg
			cfg.DatabaseAutoMigrate = true

			a, err := newApp(ctx, &cfg, false)
			if err != nil {
				return err
			}
			a.close(ctx)
			return nil
		},
	}
}

// NewRebuildCommand rebuilds every profile from the submission corpus in the foreground.
func NewRebuildCommand(opts *RootOptions) *cobra.Command {
	var resume bool

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild all profiles from submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, opts.cfg, false)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			cp, err := a.rebuilder.Run(ctx, resume)
			if cp != nil {
				if werr := writeJSON(cmd.OutOrStdout(), cp); werr != nil {
					return werr
				}
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&resume, "resume", false, "continue the last unfinished run from its checkpoint")
	return cmd
}

// NewDuplicatesCommand prints suspected duplicate pairs and optionally queues them for review.
func NewDuplicatesCommand(opts *RootOptions) *cobra.Command {
	var (
		minConfidence  int
		minSubmissions int
		limit          int
		queue          bool
	)

	cmd := &cobra.Command{
		Use:   "duplicates",
		Short: "Find potential duplicate profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, opts.cfg, false)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			q, err := a.detector.Query(minConfidence, minSubmissions, limit)
			if err != nil {
				return err
			}
			groups, err := a.detector.FindPotentialDuplicates(ctx, q)
			if err != nil {
				return err
			}

			if queue {
				queued, err := a.detector.QueueCandidates(ctx, a.candidates, groups)
				if err != nil {
					return err
				}
				a.logger.WithContext(ctx).Infof("Queued %d merge candidates", queued)
			}

			if groups == nil {
				groups = []*models.DuplicateGroup{}
			}
			return writeJSON(cmd.OutOrStdout(), groups)
		},
	}

	cmd.Flags().IntVar(&minConfidence, "min-confidence", 0, "minimum confidence, 0 for the configured default")
	cmd.Flags().IntVar(&minSubmissions, "min-submissions", 0, "minimum submissions per profile, 0 for the configured default")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum pairs to return, 0 for the configured default")
	cmd.Flags().BoolVar(&queue, "queue", false, "queue each pair as a pending merge candidate")
	return cmd
}
