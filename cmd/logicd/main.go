package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/powerman/structlog"
	"github.com/spf13/cobra"

	"github.com/softpoint/logicd/internal/alarms"
	"github.com/softpoint/logicd/internal/cfg"
	"github.com/softpoint/logicd/internal/data"
	"github.com/softpoint/logicd/internal/notify"
	"github.com/softpoint/logicd/internal/pkg"
	"github.com/softpoint/logicd/internal/sched"
	"github.com/softpoint/logicd/internal/vals"
)

var log = structlog.New()

func main() {
	root := &cobra.Command{
		Use:          "logicd",
		Short:        "soft-logic execution engine for industrial monitoring points",
		SilenceUsage: true,
	}

	var dbFile, cfgFile string
	run := &cobra.Command{
		Use:   "run",
		Short: "load configured blocks and start ticking",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				cfg.SetFileName(cfgFile)
			}
			return runService(dbFile)
		},
	}
	run.Flags().StringVar(&dbFile, "db", "logicd.sqlite", "sqlite database file")
	run.Flags().StringVar(&cfgFile, "config", "", "service config file (default logicd.yaml next to the binary)")
	root.AddCommand(run)

	pkg.InitLog()
	if err := root.Execute(); err != nil {
		log.PrintErr(err, "stack", pkg.FormatMerryStacktrace(err, "\n\t"))
		os.Exit(1)
	}
}

// journalNotifier journals every transition before fanning it out to the
// websocket subscribers.
type journalNotifier struct {
	db  *sqlx.DB
	hub *notify.Hub
}

func (n journalNotifier) AlarmTransition(t alarms.Transition) {
	if err := data.SaveAlarmEvent(n.db, t); err != nil {
		log.PrintErr("alarm event not journaled", "error", err)
	}
	n.hub.AlarmTransition(t)
}

func runService(dbFile string) error {
	c := cfg.Get()

	db, err := data.Open(dbFile)
	if err != nil {
		return err
	}
	defer log.ErrIfFail(db.Close)

	store := vals.NewStore()
	if err := data.DeclareCells(db, store); err != nil {
		return err
	}

	hub := notify.NewHub()
	defer hub.Close()

	evaluator := alarms.NewEvaluator(store, journalNotifier{db: db, hub: hub})
	alarmConfigs, err := data.ListAlarms(db)
	if err != nil {
		return err
	}
	for _, a := range alarmConfigs {
		if err := evaluator.Add(a); err != nil {
			log.PrintErr("alarm skipped", "alarm", a.Name, "error", err)
		}
	}
	store.Watch(evaluator.Watch)

	engine := sched.New(store, data.StatePersister{DB: db}, c.TickTimeout())
	loaded, err := data.LoadBlocks(db)
	if err != nil {
		return err
	}
	for _, lb := range loaded {
		if err := engine.Register(lb.Block); err != nil {
			log.PrintErr("block not registered", "block", lb.Block.Meta().Name, "error", err)
			continue
		}
		if lb.Fault != "" {
			log.ErrIfFail(func() error { return engine.NoteFault(lb.Block.Meta().ID, lb.Fault) })
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine.Start(ctx)
	defer engine.Stop()

	go evaluator.Run(ctx.Done(), c.AlarmSweep())

	srv := &http.Server{Addr: c.NotifyAddr, Handler: hub}
	go func() {
		log.Info("notify listening", "addr", c.NotifyAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.PrintErr("notify server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.ErrIfFail(func() error { return srv.Shutdown(shutdownCtx) })
	return nil
}
