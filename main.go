package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deemkeen/tusk/ui"
	"github.com/deemkeen/tusk/util"
	"github.com/deemkeen/tusk/web"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           util.Name,
		Short:         "A small Versia federation server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(
		serveCmd(),
		userCmd(),
		noteCmd(),
		followCmd(),
		deliveriesCmd(),
		reportsCmd(),
		statsCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, the delivery worker and the janitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := openEngine(configFile, true)
			if err != nil {
				return err
			}
			defer e.Close()
			return serve(ctx, e)
		},
	}
}

func serve(ctx context.Context, e *engine) error {
	conf := e.conf
	e.log.Info("starting",
		zap.String("version", util.GetNameAndVersion()),
		zap.String("base_url", conf.BaseURL()),
		zap.Bool("federation", conf.Federation.Enabled),
	)

	// 5 req/s per IP with a burst of 10 on the inboxes.
	limiter := web.NewRateLimiter(rate.Limit(5), 10)
	handler, err := web.NewHTTPHandler(web.Dependencies{
		Config:       conf,
		Instance:     e.instance,
		Store:        e.db,
		Processor:    e.processor,
		Paginator:    e.paginator,
		Gatherer:     e.registry,
		InboxLimiter: limiter,
		Logger:       e.log.Named("http"),
		Since:        e.since,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return web.Serve(ctx, fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort), handler, e.log.Named("http"))
	})
	g.Go(func() error {
		limiter.Run(ctx, 5*time.Minute)
		return nil
	})
	g.Go(func() error {
		e.janitor.Run(ctx)
		return nil
	})
	if conf.Federation.Enabled {
		g.Go(func() error {
			return e.worker.Run(ctx)
		})
	} else {
		e.log.Warn("federation disabled: inboxes answer 503, remote fetches are refused and deliveries stay queued")
	}

	err = g.Wait()
	e.log.Info("stopped")
	return err
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(util.GetNameAndVersion())
		},
	}
}
