/*
main.go - Operator CLI

PURPOSE:
  Runs engine maintenance against the configured store without starting
  the HTTP server. Shares configuration and wiring with cmd/server.

COMMANDS:
  migrate              Run the launch bootstrap (legacy blob, then catalog)
  check                Integrity scan; exits 1 when corruption is found
  next [-within d]     Next firing, or every firing inside the window
  templates [-scenario s]
                       List stored templates
  preview [-count n] <template-id>
                       Upcoming instants of a template's cadence
  optimize             Flush queued writes and purge expired cache entries

EXAMPLES:
  alarmctl -config=./alarm-engine.yaml migrate
  STORE_DB_PATH=./alarms.db alarmctl next -within=48h
  alarmctl templates -scenario=health
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"

	"github.com/warp/alarm-engine/alarm"
	"github.com/warp/alarm-engine/app"
	"github.com/warp/alarm-engine/config"
	"github.com/warp/alarm-engine/logging"
	"github.com/warp/alarm-engine/migration"
	"github.com/warp/alarm-engine/schedule"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	failColor = color.New(color.FgRed, color.Bold)
	headColor = color.New(color.FgCyan, color.Bold)
)

type command struct {
	usage string
	run   func(ctx context.Context, a *app.App, args []string, out io.Writer) error
}

var commands = map[string]command{
	"migrate":   {"run the legacy migration and catalog sync", runMigrate},
	"check":     {"scan the store for integrity problems", runCheck},
	"next":      {"show the next firing (-within for a window)", runNext},
	"templates": {"list templates (-scenario to filter)", runTemplates},
	"preview":   {"preview a template's cadence (-count)", runPreview},
	"optimize":  {"flush queued writes and purge expired cache entries", runOptimize},
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		failColor.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out, errOut io.Writer) error {
	fs := flag.NewFlagSet("alarmctl", flag.ContinueOnError)
	fs.SetOutput(errOut)
	path := fs.String(config.FlagConfigPath, os.Getenv(config.EnvConfigPath), "YAML config file")
	fs.Usage = func() {
		fmt.Fprintln(errOut, "Usage: alarmctl [-config path] <command> [flags]")
		for _, name := range commandNames() {
			fmt.Fprintf(errOut, "  %-10s %s\n", name, commands[name].usage)
		}
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("missing command")
	}
	name := fs.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		fs.Usage()
		return fmt.Errorf("unknown command %q", name)
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	// Interactive use: no periodic resync, writes go straight through.
	cfg.Scheduler.Interval = 0
	logger, err := logging.New("warn", "console", cfg.App.Name+"-ctl")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	a, err := app.Open(ctx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	runErr := cmd.run(ctx, a, fs.Args()[1:], out)
	if err := a.Close(ctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func commandNames() []string {
	return []string{"migrate", "check", "next", "templates", "preview", "optimize"}
}

// =============================================================================
// COMMANDS
// =============================================================================

func runMigrate(ctx context.Context, a *app.App, _ []string, out io.Writer) error {
	report, err := a.Bootstrap(ctx)
	printResult(out, "legacy", report.Legacy)
	printResult(out, "catalog", report.Catalog)
	return err
}

func printResult(out io.Writer, name string, r *migration.Result) {
	if r == nil {
		return
	}
	headColor.Fprintf(out, "%s: ", name)
	c := okColor
	if r.State == migration.StateFailed {
		c = failColor
	}
	c.Fprintln(out, r.State)

	steps := make([]string, len(r.Transitions))
	for i, s := range r.Transitions {
		steps[i] = string(s)
	}
	fmt.Fprintf(out, "  path:      %s\n", strings.Join(steps, " -> "))
	if r.Records > 0 {
		rate := r.SuccessRate().Mul(decimal.NewFromInt(100)).StringFixed(1)
		fmt.Fprintf(out, "  records:   %d (%s%% ok)\n", r.Records, rate)
	}
	fmt.Fprintf(out, "  migrated:  %d\n", len(r.Migrated))
	fmt.Fprintf(out, "  templates: %d created, %d reused\n", r.TemplatesCreated, r.TemplatesReused)
	for _, f := range r.Failures {
		warnColor.Fprintf(out, "  skipped #%d %s: %s\n", f.Index, f.LegacyID, f.Err)
	}
}

func runCheck(ctx context.Context, a *app.App, _ []string, out io.Writer) error {
	report, err := alarm.CheckIntegrity(ctx, a.Layer.Store())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "alarms %d, rules %d, templates %d\n", report.Alarms, report.Rules, report.Templates)
	if report.Clean() {
		okColor.Fprintln(out, "clean")
		return nil
	}
	for _, r := range report.OrphanRules {
		warnColor.Fprintf(out, "  orphan rule %s (alarm %s)\n", r.ID, r.AlarmID)
	}
	for _, r := range report.InvalidWeekdays {
		warnColor.Fprintf(out, "  invalid weekday %d on alarm %s\n", r.Weekday, r.AlarmID)
	}
	for _, r := range report.DuplicateWeekdays {
		warnColor.Fprintf(out, "  duplicate weekday %d on alarm %s\n", r.Weekday, r.AlarmID)
	}
	for _, d := range report.DanglingTemplates {
		warnColor.Fprintf(out, "  alarm %s references missing template %s\n", d.AlarmID, d.TemplateID)
	}
	return report.Err()
}

func runNext(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("next", flag.ContinueOnError)
	within := fs.Duration("within", 0, "list every firing inside this window")
	if err := fs.Parse(args); err != nil {
		return err
	}
	alarms, err := a.Layer.FetchEnabled(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	var upcoming []schedule.Upcoming
	if *within > 0 {
		upcoming = schedule.UpcomingWithin(alarms, now, *within)
	} else if u, ok := schedule.NextAcross(alarms, now); ok {
		upcoming = []schedule.Upcoming{u}
	}
	if len(upcoming) == 0 {
		warnColor.Fprintln(out, "nothing scheduled")
		return nil
	}
	for _, u := range upcoming {
		fmt.Fprintf(out, "%s  %-24s %s (in %s)\n",
			headColor.Sprint(u.At.Format("Mon 2006-01-02 15:04")), u.Label, u.Repeat,
			u.At.Sub(now).Round(time.Minute))
	}
	return nil
}

func runTemplates(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("templates", flag.ContinueOnError)
	scenario := fs.String("scenario", "", "only this scenario")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var filter *alarm.Scenario
	if *scenario != "" {
		s := alarm.Scenario(*scenario)
		if !s.Valid() {
			return fmt.Errorf("%w: unknown scenario %q", alarm.ErrValidation, *scenario)
		}
		filter = &s
	}
	templates, err := a.Layer.FetchTemplatesFor(ctx, filter)
	if err != nil {
		return err
	}
	for _, t := range templates {
		fmt.Fprintf(out, "%s  %-10s %-28s %s %s\n", t.ID, headColor.Sprint(t.Scenario), t.Name, t.DefaultTime, t.RepeatType)
	}
	fmt.Fprintf(out, "%d templates\n", len(templates))
	return nil
}

func runPreview(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("preview", flag.ContinueOnError)
	count := fs.Int("count", 5, "number of instants")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("preview: want one template id")
	}
	t, err := a.Layer.GetTemplate(ctx, alarm.ID(fs.Arg(0)))
	if err != nil {
		return err
	}
	p, err := schedule.PreviewTemplate(t, time.Now(), *count)
	if err != nil {
		return err
	}
	headColor.Fprintf(out, "%s (%s)\n", t.Name, p.RepeatType)
	if p.Rule != "" {
		fmt.Fprintf(out, "  %s\n", p.Rule)
	}
	for _, at := range p.Instants {
		fmt.Fprintf(out, "  %s\n", at.Format("Mon 2006-01-02 15:04 MST"))
	}
	return nil
}

func runOptimize(ctx context.Context, a *app.App, _ []string, out io.Writer) error {
	report, err := a.Layer.Optimize(ctx)
	if err != nil {
		return err
	}
	okColor.Fprintf(out, "flushed %d queued ops, purged %d cache entries\n", report.Flushed, report.Purged)
	return nil
}
