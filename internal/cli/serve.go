package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/lunarfang/ccbridge/internal/config"
	log "github.com/lunarfang/ccbridge/internal/logging"
	"github.com/lunarfang/ccbridge/internal/proxy"
	"github.com/lunarfang/ccbridge/internal/usage"
	"github.com/spf13/cobra"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy server",
	Long: `Start the ccbridge proxy on a loopback port. On successful bind the
process prints a single PROXY_READY:<port> line to standard output;
launchers wait for that line before pointing the agent at the port.`,
	RunE: func(c *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (0 picks a free port)")
}

func runServe() error {
	log.SetupBaseLogger()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Port = servePort
	}

	if cfg.LogFile != "" {
		if err := log.ConfigureLogOutput(cfg.LogFile); err != nil {
			log.WithError(err).Warnf("file logging disabled")
		}
	}

	recorder, err := usage.Open(cfg.UsageDB)
	if err != nil {
		log.WithError(err).Warnf("usage tracking disabled")
		recorder = nil
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			log.WithError(err).Warnf("usage recorder close failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return proxy.New(cfg, recorder).Run(ctx)
}
