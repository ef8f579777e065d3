// Command projectapi drives Project API agents from the command line.
//
//	projectapi info DIR
//	projectapi generate [-crt DIR] [-o name=value]... TEMPLATE_DIR MODEL_TAR PROJECT_DIR
//	projectapi build [-o name=value]... PROJECT_DIR
//	projectapi flash [-o name=value]... PROJECT_DIR
//	projectapi schema
//	projectapi bridge [-listen ADDR] [-o name=value]... PROJECT_DIR
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/projectapi-go/agent"
	"github.com/ggoodman/projectapi-go/project"
	"github.com/ggoodman/projectapi-go/projectapi"
)

// Config is read from the environment.
type Config struct {
	// StandaloneCRTDir is the default for generate -crt.
	// ENV: PROJECTAPI_STANDALONE_CRT_DIR
	StandaloneCRTDir string `env:"PROJECTAPI_STANDALONE_CRT_DIR"`
	// BridgeListen is the default for bridge -listen.
	// ENV: PROJECTAPI_BRIDGE_LISTEN
	BridgeListen string `env:"PROJECTAPI_BRIDGE_LISTEN,default=127.0.0.1:9150"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("projectapi: decode environment: %w", err)
	}
	if cfg.BridgeListen == "" {
		cfg.BridgeListen = "127.0.0.1:9150"
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

const usage = `usage: projectapi <command> [flags] [args]

commands:
  info      print the agent's server info
  generate  generate a project from a template
  build     build a generated project
  flash     flash a generated project
  schema    print the parameter schema of every method
  bridge    serve a generated project's transport over a websocket
`

type env struct {
	cfg    Config
	log    *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

type command func(ctx context.Context, e *env, args []string) error

var commands = map[string]command{
	"info":     runInfo,
	"generate": runGenerate,
	"build":    runBuild,
	"flash":    runFlash,
	"schema":   runSchema,
	"bridge":   runBridge,
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errors.New("projectapi: no command given")
	}
	if args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(stdout, usage)
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("projectapi: unknown command %q", args[0])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logCfg, err := agent.LoadConfig()
	if err != nil {
		return err
	}
	log, err := agent.NewLogger(stderr, false, logCfg)
	if err != nil {
		return err
	}
	return cmd(ctx, &env{cfg: cfg, log: log, stdout: stdout, stderr: stderr}, args[1:])
}

// optionFlags collects repeated -o name=value flags. Values that parse as
// JSON keep their JSON type, anything else is a string.
type optionFlags projectapi.Options

func (o optionFlags) String() string {
	parts := make([]string, 0, len(o))
	for k, v := range o {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, ",")
}

func (o optionFlags) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return fmt.Errorf("option %q: want name=value", s)
	}
	var v any
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		v = value
	}
	o[name] = v
	return nil
}

type flags struct {
	*flag.FlagSet
	debug   *bool
	options optionFlags
}

func newFlags(e *env, name string) *flags {
	fs := flag.NewFlagSet("projectapi "+name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	f := &flags{FlagSet: fs, options: optionFlags{}}
	f.debug = fs.Bool("debug", false, "start the agent with --debug")
	fs.Var(f.options, "o", "project option as name=value (repeatable)")
	return f
}

func (f *flags) parse(args []string, want int, what string) error {
	if err := f.Parse(args); err != nil {
		return err
	}
	if f.NArg() != want {
		return fmt.Errorf("%s: want %s", f.Name(), what)
	}
	return nil
}

func (e *env) launchOptions(f *flags) []project.LaunchOption {
	return []project.LaunchOption{
		project.WithDebug(*f.debug),
		project.WithLogger(e.log),
		project.WithStderr(e.stderr),
	}
}

func (e *env) printJSON(v any) error {
	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runInfo(ctx context.Context, e *env, args []string) error {
	f := newFlags(e, "info")
	if err := f.parse(args, 1, "DIR"); err != nil {
		return err
	}
	a, err := project.Launch(ctx, f.Arg(0), e.launchOptions(f)...)
	if err != nil {
		return err
	}
	defer a.Close()
	info, err := a.Client().ServerInfoQuery(ctx)
	if err != nil {
		return err
	}
	return e.printJSON(info)
}

func runGenerate(ctx context.Context, e *env, args []string) error {
	f := newFlags(e, "generate")
	crt := f.String("crt", e.cfg.StandaloneCRTDir, "standalone CRT directory (env PROJECTAPI_STANDALONE_CRT_DIR)")
	if err := f.parse(args, 3, "TEMPLATE_DIR MODEL_TAR PROJECT_DIR"); err != nil {
		return err
	}
	if *crt == "" {
		return errors.New("generate: -crt or PROJECTAPI_STANDALONE_CRT_DIR is required")
	}
	gen, err := project.GenerateProject(ctx, f.Arg(0), f.Arg(1), *crt, f.Arg(2), projectapi.Options(f.options), e.launchOptions(f)...)
	if err != nil {
		return err
	}
	defer gen.Close()
	return e.printJSON(gen.Info())
}

func openGenerated(ctx context.Context, e *env, name string, args []string) (*project.GeneratedProject, error) {
	f := newFlags(e, name)
	if err := f.parse(args, 1, "PROJECT_DIR"); err != nil {
		return nil, err
	}
	return project.OpenGenerated(ctx, f.Arg(0), projectapi.Options(f.options), e.launchOptions(f)...)
}

func runBuild(ctx context.Context, e *env, args []string) error {
	gen, err := openGenerated(ctx, e, "build", args)
	if err != nil {
		return err
	}
	defer gen.Close()
	return gen.Build(ctx)
}

func runFlash(ctx context.Context, e *env, args []string) error {
	gen, err := openGenerated(ctx, e, "flash", args)
	if err != nil {
		return err
	}
	defer gen.Close()
	return gen.Flash(ctx)
}

func runSchema(ctx context.Context, e *env, args []string) error {
	f := newFlags(e, "schema")
	if err := f.parse(args, 0, "no arguments"); err != nil {
		return err
	}
	return e.printJSON(projectapi.Schemas())
}
