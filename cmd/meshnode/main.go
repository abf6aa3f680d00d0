// Command meshnode runs one node of the overlay forwarding cluster: a
// shared-state server plus basic.worker_amount UDP workers sharing one
// port via SO_REUSEPORT. Grounded on cmd/atlas/main.go's pflag-based
// flag parsing and signal.NotifyContext shutdown pattern, adapted from
// a single always-foreground HTTP server to a start/stop/status daemon
// per spec §6's CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ovrmesh/meshnode/internal/clusterdb"
	"github.com/ovrmesh/meshnode/internal/core"
	"github.com/ovrmesh/meshnode/internal/nodecfg"
	"github.com/ovrmesh/meshnode/internal/pidfile"

	_ "github.com/mattn/go-sqlite3"
)

var opt struct {
	ConfigPath string
	Role       string
	Help       bool
}

func init() {
	pflag.StringVarP(&opt.ConfigPath, "config", "c", "meshnode.json", "Path to the node configuration file")
	pflag.StringVarP(&opt.Role, "role", "r", "", "Node role: client, relay, outlet, controller (or 0x01..0x04)")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() < 1 || pflag.NArg() > 2 || opt.Help {
		fmt.Printf("usage: %s {start|stop|status} [options] [env_file]\n\noptions:\n%s\nnote: env_file, if given, may override net.crypto.password via MESHNODE_CRYPTO_PASSWORD\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	cmd := pflag.Arg(0)

	cfg, err := nodecfg.Load(opt.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
		os.Exit(1)
	}
	if pflag.NArg() == 2 {
		if err := nodecfg.ApplyEnvOverrides(cfg, pflag.Arg(1)); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}

	switch cmd {
	case "status":
		os.Exit(runStatus(cfg))
	case "stop":
		os.Exit(runStop(cfg))
	case "start":
		os.Exit(runStart(cfg))
	default:
		fmt.Fprintf(os.Stderr, "error: unknown command %q (want start, stop, or status)\n", cmd)
		os.Exit(2)
	}
}

func runStatus(cfg *nodecfg.Config) int {
	if cfg.Basic.PIDFile == "" {
		fmt.Fprintln(os.Stderr, "error: basic.pid_file not configured")
		return 1
	}
	pid, running, err := pidfile.Status(cfg.Basic.PIDFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: status: %v\n", err)
		return 1
	}
	if !running {
		fmt.Println("not running")
		return 1
	}
	fmt.Printf("running (pid %d)\n", pid)
	return 0
}

func runStop(cfg *nodecfg.Config) int {
	if cfg.Basic.PIDFile == "" {
		fmt.Fprintln(os.Stderr, "error: basic.pid_file not configured")
		return 1
	}
	if err := pidfile.Stop(cfg.Basic.PIDFile); err != nil {
		fmt.Fprintf(os.Stderr, "error: stop: %v\n", err)
		return 1
	}
	return 0
}

func runStart(cfg *nodecfg.Config) int {
	role, err := resolveRole(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	if cfg.Basic.PIDFile != "" {
		if err := pidfile.Write(cfg.Basic.PIDFile); err != nil {
			fmt.Fprintf(os.Stderr, "error: pid file: %v\n", err)
			return 1
		}
		defer pidfile.Remove(cfg.Basic.PIDFile)
	}

	m, err := core.NewMaster(cfg, role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize node: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: run node: %v\n", err)
		return 1
	}
	return 0
}

// resolveRole reads the role from the -r flag (spec §6's CLI). There is no
// fallback to the config file: the role is always a startup argument, never
// persisted.
func resolveRole(cfg *nodecfg.Config) (clusterdb.Role, error) {
	if opt.Role == "" {
		return 0, fmt.Errorf("-r/--role is required")
	}
	role, err := clusterdb.ParseRole(opt.Role)
	if err != nil {
		return 0, fmt.Errorf("-r/--role: %w", err)
	}
	return role, nil
}
