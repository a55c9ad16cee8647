package tools

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/quantbox/quantbox"
	"github.com/quantbox/quantbox/model"
	"github.com/quantbox/quantbox/save"
	"github.com/quantbox/quantbox/storage"
	"github.com/quantbox/quantbox/tools/log"
)

// AutoSaver runs a full save on a cron schedule, skipping days the
// stored calendar marks as non-trading.
type AutoSaver struct {
	engine *quantbox.Quantbox
	spec   string
	args   save.Args
	cron   *cron.Cron
}

// NewAutoSaver schedules SaveAll runs with the given cron spec
// (standard five-field syntax, e.g. "0 17 * * *").
func NewAutoSaver(engine *quantbox.Quantbox, spec string, args save.Args) *AutoSaver {
	return &AutoSaver{
		engine: engine,
		spec:   spec,
		args:   args,
		cron:   cron.New(),
	}
}

// Start registers the job and launches the cron loop.
func (a *AutoSaver) Start() error {
	if a.spec == "" {
		return fmt.Errorf("autosave: empty cron spec")
	}
	_, err := a.cron.AddFunc(a.spec, a.runOnce)
	if err != nil {
		return fmt.Errorf("autosave: %v", err)
	}
	a.cron.Start()
	log.Info("autosave: scheduled at " + a.spec)
	return nil
}

// Stop halts the cron loop; a running save finishes on its own.
func (a *AutoSaver) Stop() {
	a.cron.Stop()
}

func (a *AutoSaver) runOnce() {
	ctx := context.Background()
	if !a.tradingToday(ctx) {
		log.Info("autosave: not a trading day, skipping")
		return
	}
	report := a.engine.SaveAll(ctx, a.args)
	log.Info("autosave: run finished, ok=", report.OK())
}

// tradingToday consults the stored calendar. An empty calendar does not
// block the run: the first save is what populates it.
func (a *AutoSaver) tradingToday(ctx context.Context) bool {
	store := a.engine.Storage()

	total, err := store.Count(ctx, model.CollectionTradeCalendar)
	if err != nil || total == 0 {
		return true
	}

	today, err := store.Count(ctx, model.CollectionTradeCalendar,
		storage.Eq("date", model.Today()))
	if err != nil {
		return true
	}
	return today > 0
}
