package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/wolfeidau/wadispatch/cmd/wadispatch/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool `help:"Enable debug mode." env:"WADISPATCH_DEBUG"`
		Version kong.VersionFlag

		Server  commands.ServerCmd  `cmd:"" help:"Start the HTTP API (and the dispatch worker unless disabled)"`
		Worker  commands.WorkerCmd  `cmd:"" help:"Run the dispatch worker on its own"`
		Migrate commands.MigrateCmd `cmd:"" help:"Apply database migrations"`
		Session commands.SessionCmd `cmd:"" help:"Manage browser sessions"`
	}
)

func main() {
	// a missing .env is fine, the environment may already be set
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
