package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/urfave/cli/v2"

	"github.com/quantbox/quantbox"
	"github.com/quantbox/quantbox/config"
	"github.com/quantbox/quantbox/model"
	"github.com/quantbox/quantbox/save"
	"github.com/quantbox/quantbox/tools"
	"github.com/quantbox/quantbox/tools/log"
)

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func saveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to quantbox.toml",
		},
		&cli.StringFlag{
			Name:    "vendor",
			Aliases: []string{"v"},
			Usage:   "data vendor, eg. tushare",
		},
		&cli.BoolFlag{
			Name:  "memory",
			Usage: "use the in-memory store",
		},
		&cli.StringSliceFlag{
			Name:    "exchanges",
			Aliases: []string{"e"},
			Usage:   "eg. SHFE,DCE",
		},
		&cli.StringSliceFlag{
			Name:    "symbols",
			Aliases: []string{"s"},
			Usage:   "eg. SHFE.cu2403",
		},
		&cli.StringFlag{
			Name:  "start-date",
			Usage: "eg. 2024-01-01",
		},
		&cli.StringFlag{
			Name:  "end-date",
			Usage: "eg. 2024-12-31",
		},
		&cli.StringFlag{
			Name:  "date",
			Usage: "single day, eg. 2024-03-15",
		},
		&cli.StringFlag{
			Name:  "list-status",
			Usage: "L, D or P, comma separated",
		},
	}
}

func newApp() *cli.App {
	flags := saveFlags()

	app := &cli.App{
		Name:     "quantbox",
		HelpName: "quantbox",
		Usage:    "Market data ingestion for Chinese exchanges",
		Commands: []*cli.Command{
			saveCommand("save_all", "Save every dataset in dependency order",
				flags, func(ctx context.Context, engine *quantbox.Quantbox, args save.Args) *model.SaveResult {
					report := engine.SaveAll(ctx, args)
					fmt.Println(report.Summary())
					return nil
				}),
			saveCommand("save_trade_calendar", "Save trading days",
				flags, func(ctx context.Context, engine *quantbox.Quantbox, args save.Args) *model.SaveResult {
					return engine.Saver().SaveTradeCalendar(ctx, args)
				}),
			saveCommand("save_future_contracts", "Save the futures contract listing",
				flags, func(ctx context.Context, engine *quantbox.Quantbox, args save.Args) *model.SaveResult {
					return engine.Saver().SaveFutureContracts(ctx, args)
				}),
			saveCommand("save_future_daily", "Save daily bars",
				flags, func(ctx context.Context, engine *quantbox.Quantbox, args save.Args) *model.SaveResult {
					return engine.Saver().SaveFutureDaily(ctx, args)
				}),
			saveCommand("save_future_holdings", "Save broker holdings rankings",
				flags, func(ctx context.Context, engine *quantbox.Quantbox, args save.Args) *model.SaveResult {
					return engine.Saver().SaveFutureHoldings(ctx, args)
				}),
			saveCommand("save_stock_list", "Save the stock listing",
				flags, func(ctx context.Context, engine *quantbox.Quantbox, args save.Args) *model.SaveResult {
					return engine.Saver().SaveStockList(ctx, args)
				}),
			{
				Name:     "check",
				HelpName: "check",
				Usage:    "Audit stored data against its invariants",
				Flags:    flags,
				Action: func(c *cli.Context) error {
					engine, err := buildEngine(c)
					if err != nil {
						return err
					}
					defer engine.Close()

					issues, err := engine.Check(c.Context)
					if err != nil {
						return err
					}
					if len(issues) == 0 {
						fmt.Println("no issues found")
						return nil
					}
					for _, issue := range issues {
						fmt.Println(issue)
					}
					return nil
				},
			},
			{
				Name:     "status",
				HelpName: "status",
				Usage:    "Show engine and vendor status",
				Flags:    flags,
				Action: func(c *cli.Context) error {
					engine, err := buildEngine(c)
					if err != nil {
						return err
					}
					defer engine.Close()
					fmt.Println(engine.Status())
					return nil
				},
			},
			{
				Name:     "shell",
				HelpName: "shell",
				Usage:    "Interactive command shell",
				Flags:    flags,
				Action:   shellAction,
			},
		},
	}
	app.Action = shellAction
	return app
}

type runFunc func(context.Context, *quantbox.Quantbox, save.Args) *model.SaveResult

// saveCommand wraps one pipeline verb. Runs that complete with unit
// errors still exit zero: the errors are part of the report, not a
// process failure.
func saveCommand(name, usage string, flags []cli.Flag, run runFunc) *cli.Command {
	return &cli.Command{
		Name:     name,
		HelpName: name,
		Usage:    usage,
		Flags:    flags,
		Action: func(c *cli.Context) error {
			engine, err := buildEngine(c)
			if err != nil {
				return err
			}
			defer engine.Close()
			engine.Start()

			args, err := parseArgs(c)
			if err != nil {
				return err
			}

			result := run(c.Context, engine, args)
			if result != nil {
				printResult(result)
			}
			return nil
		},
	}
}

func buildEngine(c *cli.Context) (*quantbox.Quantbox, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if vendor := c.String("vendor"); vendor != "" {
		cfg.Pipeline.Vendor = vendor
	}
	if c.Bool("memory") {
		cfg.Database.Driver = "memory"
	}
	return quantbox.NewQuantbox(c.Context, cfg)
}

func parseArgs(c *cli.Context) (save.Args, error) {
	args := save.Args{
		Exchanges:  splitList(c.StringSlice("exchanges")),
		Symbols:    splitList(c.StringSlice("symbols")),
		ListStatus: c.String("list-status"),
	}

	for _, flag := range []struct {
		name string
		dst  *model.Date
	}{
		{"start-date", &args.Start},
		{"end-date", &args.End},
		{"date", &args.Date},
	} {
		raw := c.String(flag.name)
		if raw == "" {
			continue
		}
		date, err := model.DateFromString(raw)
		if err != nil {
			return args, fmt.Errorf("--%s: %v", flag.name, err)
		}
		*flag.dst = date
	}
	return args, nil
}

// splitList tolerates both repeated flags and comma-joined values.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func printResult(result *model.SaveResult) {
	fmt.Printf("%s: inserted=%d modified=%d unchanged=%d units=%d/%d elapsed=%s\n",
		result.Dataset,
		result.Inserted(), result.Modified(), result.Skipped(),
		result.UnitsCommitted(), result.UnitsPlanned(),
		result.Duration())
	for _, runErr := range result.Errors() {
		fmt.Println("  " + runErr.String())
	}
}

// shellAction runs the line-oriented REPL, re-dispatching each line
// through the same command set. Scheduled jobs started with the
// schedule verb keep running until the shell exits.
func shellAction(c *cli.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:       "quantbox> ",
		HistoryFile:  historyFile(),
		AutoComplete: shellCompleter(c.App),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	var jobs []scheduledJob
	defer func() {
		for _, job := range jobs {
			job.saver.Stop()
			job.engine.Close()
		}
	}()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "quit", "exit":
			return nil
		case "shell":
			fmt.Println("already in a shell")
			continue
		case "schedule":
			job, err := startSchedule(c, fields[1:])
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			jobs = append(jobs, job)
			continue
		}
		if c.App.Command(fields[0]) == nil {
			fmt.Println("unknown command:", fields[0])
			continue
		}

		if err := c.App.Run(append([]string{"quantbox"}, fields...)); err != nil {
			fmt.Println("error:", err)
		}
	}
}

// shellCompleter offers the command names plus the shell-only verbs.
func shellCompleter(app *cli.App) *readline.PrefixCompleter {
	items := []readline.PrefixCompleterInterface{
		readline.PcItem("schedule"),
		readline.PcItem("quit"),
		readline.PcItem("exit"),
	}
	for _, command := range app.Commands {
		items = append(items, readline.PcItem(command.Name))
	}
	return readline.NewPrefixCompleter(items...)
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".quantbox_history")
	}
	return filepath.Join(home, ".quantbox_history")
}

// scheduledJob pairs a cron-driven saver with the engine it runs on.
type scheduledJob struct {
	saver  *tools.AutoSaver
	engine *quantbox.Quantbox
}

// scheduleSpec splits "schedule" arguments into the five-field cron
// spec and the trailing save flags.
func scheduleSpec(tokens []string) (string, []string, error) {
	if len(tokens) < 5 {
		return "", nil, fmt.Errorf("usage: schedule <min> <hour> <dom> <mon> <dow> [save flags]")
	}
	return strings.Join(tokens[:5], " "), tokens[5:], nil
}

// parseTokens parses shell-entered save flags through the same flag set
// the commands use.
func parseTokens(tokens []string) (save.Args, error) {
	var args save.Args
	var parseErr error
	scratch := &cli.App{
		Name:  "schedule",
		Flags: saveFlags(),
		Action: func(c *cli.Context) error {
			args, parseErr = parseArgs(c)
			return parseErr
		},
	}
	if err := scratch.Run(append([]string{"schedule"}, tokens...)); err != nil {
		return args, err
	}
	return args, parseErr
}

// startSchedule launches a background save_all on a cron spec.
func startSchedule(c *cli.Context, tokens []string) (scheduledJob, error) {
	spec, rest, err := scheduleSpec(tokens)
	if err != nil {
		return scheduledJob{}, err
	}
	args, err := parseTokens(rest)
	if err != nil {
		return scheduledJob{}, err
	}

	engine, err := buildEngine(c)
	if err != nil {
		return scheduledJob{}, err
	}
	engine.Start()

	saver := tools.NewAutoSaver(engine, spec, args)
	if err := saver.Start(); err != nil {
		engine.Close()
		return scheduledJob{}, err
	}
	fmt.Println("scheduled save_all at", spec)
	return scheduledJob{saver: saver, engine: engine}, nil
}
