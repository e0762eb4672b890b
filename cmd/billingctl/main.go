// Command billingctl запускает конвейеры биллинга вручную и управляет схемой БД.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/billing/internal/app"
)

type dependenciesFactory func(ctx context.Context, cfg app.Config) (*app.Dependencies, error)

type cli struct {
	configPath string
	newDeps    dependenciesFactory
}

func defaultDependencies(ctx context.Context, cfg app.Config) (*app.Dependencies, error) {
	return app.NewDependencies(ctx, cfg, log.WithField("component", "billingctl"))
}

func newRootCmd(newDeps dependenciesFactory) *cobra.Command {
	c := &cli{newDeps: newDeps}

	cmd := &cobra.Command{
		Use:           "billingctl",
		Short:         "Operate the billing pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&c.configPath, "config", "", "path to YAML config (default: $BILLING_CONFIG)")

	cmd.AddCommand(
		c.newSettleCmd(),
		c.newDrainCmd(),
		c.newReclaimCmd(),
		c.newRequeueCmd(),
		c.newMigrateCmd(),
		newVersionCmd(),
	)
	return cmd
}

func (c *cli) loadConfig() (app.Config, error) {
	return app.LoadConfigFile(c.configPath)
}

// withDependencies собирает зависимости, вызывает fn и закрывает их.
func (c *cli) withDependencies(ctx context.Context, fn func(deps *app.Dependencies) error) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	deps, err := c.newDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = deps.Close() }()
	return fn(deps)
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.WarnLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(defaultDependencies).ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
