package quantbox

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/glebarez/sqlite"
	"github.com/olekukonko/tablewriter"

	"github.com/quantbox/quantbox/config"
	"github.com/quantbox/quantbox/exchange"
	"github.com/quantbox/quantbox/model"
	"github.com/quantbox/quantbox/notification"
	"github.com/quantbox/quantbox/save"
	"github.com/quantbox/quantbox/service"
	"github.com/quantbox/quantbox/source"
	"github.com/quantbox/quantbox/storage"
	"github.com/quantbox/quantbox/tools/log"
)

func init() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04",
	})
}

// Quantbox wires one vendor, one store and the save pipelines into a
// runnable ingestion engine.
type Quantbox struct {
	cfg       *config.Config
	reg       *config.Registry
	source    service.DataSource
	store     storage.Storage
	saver     *save.Saver
	notifiers []service.Notifier
	telegram  service.Telegram

	mu      sync.Mutex
	last    *RunReport
	results []*model.SaveResult
}

// Option customizes engine construction.
type Option func(*Quantbox)

// WithDataSource overrides the vendor chosen by the configuration.
func WithDataSource(src service.DataSource) Option {
	return func(q *Quantbox) {
		q.source = src
	}
}

// WithStorage overrides the store chosen by the configuration.
func WithStorage(store storage.Storage) Option {
	return func(q *Quantbox) {
		q.store = store
	}
}

// WithRegistry overrides the exchange and dialect registry.
func WithRegistry(reg *config.Registry) Option {
	return func(q *Quantbox) {
		q.reg = reg
	}
}

// WithNotifier registers an additional run-report receiver.
func WithNotifier(notifier service.Notifier) Option {
	return func(q *Quantbox) {
		q.notifiers = append(q.notifiers, notifier)
	}
}

// WithLogLevel sets the global log level.
// Example: log.DebugLevel, log.InfoLevel, log.WarnLevel.
func WithLogLevel(level log.Level) Option {
	return func(*Quantbox) {
		log.SetLevel(level)
	}
}

// NewQuantbox assembles the engine from the configuration and options.
func NewQuantbox(ctx context.Context, cfg *config.Config, options ...Option) (*Quantbox, error) {
	q := &Quantbox{cfg: cfg}

	log.SetLevel(log.ParseLevel(cfg.Log.Level))

	for _, option := range options {
		option(q)
	}

	var err error
	if q.reg == nil {
		q.reg, err = config.NewRegistry(cfg)
		if err != nil {
			return nil, err
		}
	}

	if q.store == nil {
		q.store, err = openStorage(cfg.Database)
		if err != nil {
			return nil, err
		}
	}
	if err := q.store.EnsureIndexes(ctx, model.Collections()...); err != nil {
		return nil, err
	}

	if q.source == nil {
		q.source, err = source.New(cfg.Pipeline.Vendor, q.reg)
		if err != nil {
			return nil, err
		}
	}

	q.saver = save.NewSaver(q.source, q.store, q.reg, save.TuningFromConfig(cfg))

	if cfg.Notification.Telegram.Enabled {
		q.telegram, err = notification.NewTelegram(cfg.Notification.Telegram, q.Status, q.LastSummary)
		if err != nil {
			return nil, err
		}
		q.notifiers = append(q.notifiers, q.telegram)
	}
	if cfg.Notification.Mail.Enabled {
		q.notifiers = append(q.notifiers, notification.NewMail(cfg.Notification.Mail))
	}

	return q, nil
}

func openStorage(db config.Database) (storage.Storage, error) {
	switch db.Driver {
	case "memory":
		return storage.FromMemory()
	case "bunt":
		return storage.FromFile(db.URI)
	case "sqlite":
		return storage.FromSQL(sqlite.Open(db.URI))
	}
	return nil, fmt.Errorf("unknown database driver %q", db.Driver)
}

// Saver exposes the pipeline entry points for single-dataset runs.
func (q *Quantbox) Saver() *save.Saver {
	return q.saver
}

// Storage exposes the store gateway, mainly for audits and the shell.
func (q *Quantbox) Storage() storage.Storage {
	return q.store
}

// Start brings up the long-running notifier loops.
func (q *Quantbox) Start() {
	if q.telegram != nil {
		go q.telegram.Start()
	}
}

// Close releases the store.
func (q *Quantbox) Close() error {
	return q.store.Close()
}

// RunReport aggregates the per-dataset results of one orchestrated run.
type RunReport struct {
	Vendor    string
	StartedAt time.Time
	EndedAt   time.Time
	Results   []*model.SaveResult
	Demoted   map[string]string
	Issues    []save.Issue
}

// OK reports whether every dataset completed without errors.
func (r *RunReport) OK() bool {
	for _, result := range r.Results {
		if !result.OK() {
			return false
		}
	}
	return true
}

// Summary renders the run as a table for the terminal and notifiers.
func (r *RunReport) Summary() string {
	buffer := bytes.NewBuffer(nil)
	table := tablewriter.NewWriter(buffer)
	table.SetHeader([]string{"Dataset", "Units", "Done", "Fail", "Skip", "Inserted", "Modified", "Unchanged", "Errors", "Elapsed"})
	table.SetFooterAlignment(tablewriter.ALIGN_RIGHT)

	var inserted, modified, skipped, errs int64
	for _, result := range r.Results {
		errCount := int64(len(result.Errors()))
		table.Append([]string{
			result.Dataset,
			strconv.FormatInt(result.UnitsPlanned(), 10),
			strconv.FormatInt(result.UnitsCommitted(), 10),
			strconv.FormatInt(result.UnitsFailed(), 10),
			strconv.FormatInt(result.UnitsSkipped()+result.UnitsCancelled(), 10),
			humanize.Comma(result.Inserted()),
			humanize.Comma(result.Modified()),
			humanize.Comma(result.Skipped()),
			strconv.FormatInt(errCount, 10),
			result.Duration().Round(time.Millisecond).String(),
		})
		inserted += result.Inserted()
		modified += result.Modified()
		skipped += result.Skipped()
		errs += errCount
	}
	table.SetFooter([]string{
		"TOTAL", "", "", "", "",
		humanize.Comma(inserted),
		humanize.Comma(modified),
		humanize.Comma(skipped),
		strconv.FormatInt(errs, 10),
		r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
	})
	table.Render()

	for dataset, reason := range r.Demoted {
		fmt.Fprintf(buffer, "skipped %s: %s\n", dataset, reason)
	}
	for _, issue := range r.Issues {
		fmt.Fprintf(buffer, "issue: %s\n", issue)
	}
	return buffer.String()
}

// SaveAll runs every dataset in dependency order: the trade calendar
// first, then contract and stock listings, then the bar and holdings
// datasets that need both in place. Datasets whose prerequisites are
// missing are demoted to skipped with a reason instead of failing.
func (q *Quantbox) SaveAll(ctx context.Context, args save.Args) *RunReport {
	report := &RunReport{
		Vendor:    q.source.Name(),
		StartedAt: time.Now(),
		Demoted:   map[string]string{},
	}
	defer func() {
		report.EndedAt = time.Now()
		q.finish(report)
	}()

	if !q.source.CheckAvailability(ctx) {
		reason := "vendor unavailable: " + q.source.Diagnostic()
		for _, dataset := range []string{
			save.DatasetTradeCalendar,
			save.DatasetFutureContracts,
			save.DatasetStockList,
			save.DatasetFutureDaily,
			save.DatasetFutureHoldings,
		} {
			report.Demoted[dataset] = reason
		}
		log.Warn("save_all: " + reason)
		return report
	}

	// A narrowed exchange list can leave a whole market out of scope.
	futures := futuresOnly(args.Exchanges)
	stocks := stockOnly(args.Exchanges)
	if len(args.Exchanges) == 0 {
		futures = exchange.FuturesCodes()
	}
	skipFutures := len(args.Exchanges) > 0 && len(futures) == 0 && len(args.Symbols) == 0
	skipStocks := len(args.Exchanges) > 0 && len(stocks) == 0

	calendar := q.saveOne(report, func() *model.SaveResult {
		return q.saver.SaveTradeCalendar(ctx, save.Args{
			Exchanges: args.Exchanges,
			Start:     args.Start,
			End:       args.End,
		})
	})

	var wg sync.WaitGroup
	if skipFutures {
		report.Demoted[save.DatasetFutureContracts] = "no futures exchange in scope"
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.saveOne(report, func() *model.SaveResult {
				return q.saver.SaveFutureContracts(ctx, save.Args{Exchanges: futures})
			})
		}()
	}
	if skipStocks {
		report.Demoted[save.DatasetStockList] = "no stock exchange in scope"
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.saveOne(report, func() *model.SaveResult {
				return q.saver.SaveStockList(ctx, save.Args{
					Exchanges:  stocks,
					ListStatus: args.ListStatus,
				})
			})
		}()
	}
	wg.Wait()

	if skipFutures {
		reason := "no futures exchange in scope"
		report.Demoted[save.DatasetFutureDaily] = reason
		report.Demoted[save.DatasetFutureHoldings] = reason
		return report
	}
	if q.calendarEmpty(ctx, calendar) {
		reason := "trade calendar empty, cannot expand trading days"
		report.Demoted[save.DatasetFutureDaily] = reason
		report.Demoted[save.DatasetFutureHoldings] = reason
		log.Warn("save_all: " + reason)
		return report
	}

	daily := save.Args{
		Exchanges: futures,
		Symbols:   args.Symbols,
		Start:     args.Start,
		End:       args.End,
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		q.saveOne(report, func() *model.SaveResult {
			return q.saver.SaveFutureDaily(ctx, daily)
		})
	}()
	go func() {
		defer wg.Done()
		q.saveOne(report, func() *model.SaveResult {
			return q.saver.SaveFutureHoldings(ctx, daily)
		})
	}()
	wg.Wait()

	if q.cfg != nil && q.cfg.Pipeline.VerifyAfterSave {
		issues, err := save.NewChecker(q.store).CheckAll(ctx)
		if err != nil {
			log.Error("save_all: verify: " + err.Error())
		}
		report.Issues = issues
	}
	return report
}

// saveOne runs one pipeline and fans the result out to the notifiers.
func (q *Quantbox) saveOne(report *RunReport, run func() *model.SaveResult) *model.SaveResult {
	result := run()

	q.mu.Lock()
	report.Results = append(report.Results, result)
	q.results = append(q.results, result)
	q.mu.Unlock()

	for _, notifier := range q.notifiers {
		notifier.OnResult(result)
	}
	return result
}

func (q *Quantbox) finish(report *RunReport) {
	q.mu.Lock()
	q.last = report
	q.mu.Unlock()

	for _, notifier := range q.notifiers {
		notifier.Notify(fmt.Sprintf("run finished, ok=%v\n%s", report.OK(), report.Summary()))
	}
}

// calendarEmpty reports whether the store still has no trading days
// after the calendar stage, which starves the day-expanding planners.
func (q *Quantbox) calendarEmpty(ctx context.Context, result *model.SaveResult) bool {
	if result.Inserted()+result.Modified() > 0 {
		return false
	}
	count, err := q.store.Count(ctx, model.CollectionTradeCalendar)
	return err == nil && count == 0
}

// Check audits the stored collections and returns the findings.
func (q *Quantbox) Check(ctx context.Context) ([]save.Issue, error) {
	return save.NewChecker(q.store).CheckAll(ctx)
}

// Status is a one-line state summary for the shell and the notifiers.
func (q *Quantbox) Status() string {
	q.mu.Lock()
	defer q.mu.Unlock()

	line := fmt.Sprintf("vendor=%s runs=%d", q.source.Name(), len(q.results))
	if q.last != nil {
		line += fmt.Sprintf(" last_ok=%v last_ended=%s", q.last.OK(), q.last.EndedAt.Format("2006-01-02 15:04:05"))
	}
	if diag := q.source.Diagnostic(); diag != "" {
		line += " diag=" + diag
	}
	return line
}

// LastSummary renders the most recent run report, or a placeholder.
func (q *Quantbox) LastSummary() string {
	q.mu.Lock()
	last := q.last
	q.mu.Unlock()

	if last == nil {
		return "no runs yet"
	}
	return last.Summary()
}

// futuresOnly filters user exchanges down to futures venues; an empty
// input stays empty so the pipeline applies its own default.
func futuresOnly(exchanges []string) []string {
	out := make([]string, 0, len(exchanges))
	for _, code := range exchanges {
		if market, err := exchange.Market(code); err == nil && market == exchange.MarketFutures {
			out = append(out, code)
		}
	}
	return out
}

func stockOnly(exchanges []string) []string {
	out := make([]string, 0, len(exchanges))
	for _, code := range exchanges {
		if market, err := exchange.Market(code); err == nil && market == exchange.MarketStock {
			out = append(out, code)
		}
	}
	return out
}
