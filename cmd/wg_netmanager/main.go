// Command wg_netmanager turns a machine sharing the network's pre-shared
// key into a participant in the self-organizing WireGuard overlay (spec.md
// §6 EXTERNAL INTERFACES).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/wg-netmanager/netmanager/internal/config"
	"github.com/wg-netmanager/netmanager/internal/daemon"
	"github.com/wg-netmanager/netmanager/internal/logging"
	"github.com/wg-netmanager/netmanager/internal/netdrv"
	"github.com/wg-netmanager/netmanager/internal/obs"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// Exit codes per spec.md §6.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitPrivilege     = 2
	exitDeviceSetup   = 3
	exitFatalRuntime  = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("c", "", "path to network YAML config (required)")
		useExisting = flag.Bool("e", false, "use an existing WireGuard interface instead of creating one")
		tui         = flag.Bool("t", false, "enable TUI")
		static      = flag.Bool("l", false, "declare this node a static listener")
		verbosity   countValue
	)
	flag.Var(&verbosity, "v", "increase log verbosity (repeatable)")
	flag.Parse()

	logging.Configure(logging.LevelFromVerbosity(int(verbosity)))

	args := flag.Args()
	// flag stops at the first positional argument, so a trailing -l is picked up here.
	if len(args) == 4 && args[3] == "-l" {
		*static = true
		args = args[:3]
	}
	if *configPath == "" || len(args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: wg_netmanager [-v...] -c CONFIG [-e] [-t] [-l] INTERFACE WG_IP NAME")
		return exitConfigError
	}
	ifaceName, wgIPStr, nodeName := args[0], args[1], args[2]

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfigError
	}

	selfWgIP := net.ParseIP(wgIPStr)
	if selfWgIP == nil {
		fmt.Fprintf(os.Stderr, "config error: %q is not a valid wg_ip\n", wgIPStr)
		return exitConfigError
	}

	if !*useExisting && os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "privilege error: creating a WireGuard device requires root (pass -e to attach to an existing interface instead)")
		return exitPrivilege
	}

	shutdownMetrics, err := obs.Setup(context.Background(), "wg_netmanager", version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: metrics setup: %v\n", err)
		return exitFatalRuntime
	}
	defer shutdownMetrics(context.Background())

	driver, err := netdrv.NewKernelDriver()
	if err != nil {
		fmt.Fprintf(os.Stderr, "device setup failure: %v\n", err)
		return exitDeviceSetup
	}
	defer driver.Close()

	d, err := daemon.New(cfg, driver, daemon.Options{
		InterfaceName:  ifaceName,
		SelfWgIP:       selfWgIP,
		SelfName:       nodeName,
		UseExisting:    *useExisting,
		StaticListener: *static,
		RPCSocketPath:  rpcSocketPath(ifaceName),
		Version:        version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfigError
	}

	if *tui {
		go runTUI(rpcSocketPath(ifaceName))
	}

	// Daemon.Run registers its own SIGINT/SIGTERM handling as part of its
	// single select loop (spec.md §5); context.Background() here carries no
	// separate cancellation path.
	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "fatal runtime error: %v\n", err)
		return exitFatalRuntime
	}
	return exitOK
}

func rpcSocketPath(ifaceName string) string {
	if dir := os.Getenv("RUNTIME_DIRECTORY"); dir != "" {
		return dir + "/" + ifaceName + ".sock"
	}
	return "/run/wg_netmanager/" + ifaceName + ".sock"
}

// countValue implements flag.Value for a repeatable boolean flag (-v, -v,
// -v...), per spec.md §6's "-v repeatable log verbosity".
type countValue int

func (c *countValue) String() string { return fmt.Sprintf("%d", int(*c)) }
func (c *countValue) Set(string) error {
	*c++
	return nil
}
func (c *countValue) IsBoolFlag() bool { return true }
