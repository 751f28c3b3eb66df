// Command nova runs tasks through the engine from the terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	nova "github.com/everlang/gonova"
	"github.com/everlang/gonova/llm"
	"github.com/everlang/gonova/sandbox"
	"github.com/everlang/gonova/store"
	"github.com/everlang/gonova/tools"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "repl":
		cmdRepl(os.Args[2:])
	case "history":
		cmdHistory(os.Args[2:])
	case "version":
		fmt.Println("nova " + version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`nova - autonomous task runner

Usage:
  nova run [flags] "task description"   run one task
  nova repl [flags]                     interactive session
  nova history [flags] [session-id]     list stored sessions or tasks
  nova version                          print version
  nova help                             show this help

Flags for run and repl:
  -config path    config file (default gonova.yaml)
  -steps N        step cap for the task
  -silent         disable operator questions
  -verbose        debug logging
`)
}

// setup builds the engine from the config file and flags shared by run
// and repl.
func setup(cfg *nova.Config, silent, verbose bool) (*nova.Orchestrator, func()) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var modelOpts []llm.AnthropicOption
	if cfg.Model != "" {
		modelOpts = append(modelOpts, llm.WithModel(cfg.Model))
	}
	model := llm.NewAnthropic(modelOpts...)

	registry := tools.NewRegistry()
	registry.RegisterBuiltins()
	registry.Use(tools.Logging(logger))

	cleanup := func() {}
	if cfg.Sandbox.Enabled {
		mgr, err := sandbox.NewManager(".", sandbox.WithImage(cfg.Sandbox.Image))
		if err == nil && mgr.IsAvailable() {
			mgr.RegisterTool(registry)
			cleanup = func() { mgr.Close() }
		} else {
			fmt.Fprintln(os.Stderr, color.YellowString("sandbox unavailable, exec tool disabled"))
		}
	}

	opts := append(cfg.Options(),
		nova.WithRegistry(registry),
		nova.WithLogger(logger),
		nova.WithConfirmer(nova.ConfirmFunc(consoleConfirm)),
	)
	if !silent {
		opts = append(opts, nova.WithAsker(nova.AskFunc(consoleAsk)))
	}

	orch := nova.New(model, opts...)
	go printEvents(orch.Events())
	return orch, cleanup
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "gonova.yaml", "config file")
	steps := fs.Int("steps", 0, "step cap")
	silent := fs.Bool("silent", false, "disable operator questions")
	verbose := fs.Bool("verbose", false, "debug logging")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: nova run [flags] \"task description\"")
		os.Exit(1)
	}

	cfg, err := nova.LoadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	orch, cleanup := setup(cfg, *silent, *verbose)
	defer cleanup()

	var taskOpts []nova.TaskOption
	if *steps > 0 {
		taskOpts = append(taskOpts, nova.WithMaxSteps(*steps))
	}
	if *silent {
		taskOpts = append(taskOpts, nova.WithSilent())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, _ := orch.RunTask(ctx, nova.NewTask(fs.Arg(0), taskOpts...))
	printResult(result)
	if result.Status != nova.StatusDone {
		os.Exit(1)
	}
}

func cmdRepl(args []string) {
	fs := flag.NewFlagSet("repl", flag.ExitOnError)
	configPath := fs.String("config", "gonova.yaml", "config file")
	verbose := fs.Bool("verbose", false, "debug logging")
	fs.Parse(args)

	cfg, err := nova.LoadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	orch, cleanup := setup(cfg, false, *verbose)
	defer cleanup()

	var sessOpts []nova.SessionOption
	if cfg.StorePath != "" {
		st, err := store.OpenSQLite(cfg.StorePath)
		if err != nil {
			fatal(err)
		}
		if err := st.Init(); err != nil {
			fatal(err)
		}
		defer st.Close()
		sessOpts = append(sessOpts, nova.WithStore(st))
	}

	sess := nova.NewSession(orch, sessOpts...)
	color.Cyan("session %s - enter a task, or \"exit\" to quit", sess.ID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		line, err := readLine(color.New(color.FgGreen).Sprint("task> "))
		if err != nil {
			return
		}
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}

		result, _ := sess.Run(ctx, line)
		printResult(result)
		if ctx.Err() != nil {
			return
		}
	}
}

func cmdHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "gonova.yaml", "config file")
	fs.Parse(args)

	cfg, err := nova.LoadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.StorePath == "" {
		fatal(fmt.Errorf("no store_path configured"))
	}

	st, err := store.OpenSQLite(cfg.StorePath)
	if err != nil {
		fatal(err)
	}
	defer st.Close()
	if err := st.Init(); err != nil {
		fatal(err)
	}

	if fs.NArg() == 0 {
		sessions, err := st.ListSessions()
		if err != nil {
			fatal(err)
		}
		if len(sessions) == 0 {
			fmt.Println("no sessions")
			return
		}
		for _, s := range sessions {
			fmt.Printf("%s  %s  %d tasks\n", s.ID, s.CreatedAt.Format(time.DateTime), s.Tasks)
		}
		return
	}

	tasks, err := st.ListTasks(fs.Arg(0))
	if err != nil {
		fatal(err)
	}
	for _, t := range tasks {
		status := t.Status
		switch nova.Status(t.Status) {
		case nova.StatusDone:
			status = color.GreenString(t.Status)
		case nova.StatusStuck, nova.StatusError:
			status = color.RedString(t.Status)
		default:
			status = color.YellowString(t.Status)
		}
		fmt.Printf("%s  %-24s %s\n", t.ID, status, t.Description)
		if t.Output != "" {
			fmt.Printf("    %s\n", t.Output)
		}
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
	os.Exit(1)
}
