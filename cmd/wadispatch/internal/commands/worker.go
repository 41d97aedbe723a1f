package commands

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/wadispatch/internal/worker"
)

type WorkerCmd struct {
	Tracing bool `help:"enable tracing" default:"false" env:"WADISPATCH_TRACING"`

	Session SessionFlags `embed:""`
	Browser BrowserFlags `embed:"" prefix:"browser-"`
	Store   StoreFlags   `embed:""`
	Worker  WorkerFlags  `embed:"" prefix:"worker-"`
}

func (w *WorkerCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogging(globals)

	if w.Store.StoreType == "memory" {
		return errors.New("a standalone worker needs a shared store, use --store-type postgres or sqlite")
	}

	log.Info().Str("version", globals.Version).Str("store", w.Store.StoreType).Msg("Worker starting")

	defer setupTracing(ctx, w.Tracing, "wadispatch-worker", globals.Version)()

	st, closeStore, err := openStore(ctx, w.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	svc, err := newService(w.Session, w.Browser)
	if err != nil {
		return err
	}

	return worker.New(w.Worker.config(), st, st, svc).Run(ctx)
}
