// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command knockd is the Single Packet Authorization daemon: it
// silently observes traffic on one interface, validates authenticated
// knock packets against an access policy, and opens time-bounded
// firewall holes for the packets that pass.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"grimm.is/knockd/internal/capture"
	"grimm.is/knockd/internal/codec"
	"grimm.is/knockd/internal/config"
	"grimm.is/knockd/internal/ctlplane"
	kerrors "grimm.is/knockd/internal/errors"
	"grimm.is/knockd/internal/engine"
	"grimm.is/knockd/internal/firewall"
	"grimm.is/knockd/internal/install"
	"grimm.is/knockd/internal/logging"
	"grimm.is/knockd/internal/metrics"
	"grimm.is/knockd/internal/policy"
	"grimm.is/knockd/internal/replay"
)

const version = "1.0.0"

type cliFlags struct {
	accessFile   string
	configFile   string
	packetLimit  int
	dumpConfig   bool
	foreground   bool
	iface        string
	kill         bool
	overrides    string
	filterExpr   string
	restart      bool
	status       bool
	verbosity    int
	showVersion  bool
	fwList       bool
	rotateCache  bool
	gpgHomeDir   string
	locale       string
	usage        bool
}

func parseFlags(args []string) (*cliFlags, *flag.FlagSet, error) {
	fs := flag.NewFlagSet("knockd", flag.ContinueOnError)
	f := &cliFlags{}

	fs.StringVar(&f.accessFile, "a", "", "access policy file path (overrides config)")
	fs.StringVar(&f.configFile, "c", filepathJoin(install.GetConfigDir(), "knockd.conf"), "main config file")
	fs.IntVar(&f.packetLimit, "C", 0, "stop after processing n candidate packets")
	fs.BoolVar(&f.dumpConfig, "D", false, "dump resolved config and exit")
	fs.BoolVar(&f.foreground, "f", false, "run in foreground (no daemonize)")
	fs.StringVar(&f.iface, "i", "", "capture interface")
	fs.BoolVar(&f.kill, "K", false, "kill running instance")
	fs.StringVar(&f.overrides, "O", "", "comma-separated override config fragments, applied in order")
	fs.StringVar(&f.filterExpr, "P", "", "capture filter expression")
	fs.BoolVar(&f.restart, "R", false, "restart")
	fs.BoolVar(&f.status, "S", false, "report status")
	fs.BoolFunc("v", "verbosity (cumulative; repeat -v -v for more)", func(string) error {
		f.verbosity++
		return nil
	})
	fs.BoolVar(&f.showVersion, "V", false, "print version and exit")
	fs.BoolVar(&f.fwList, "fw-list", false, "list daemon-owned firewall rules and exit")
	fs.BoolVar(&f.rotateCache, "rotate-digest-cache", false, "rotate the replay digest cache and exit")
	fs.StringVar(&f.gpgHomeDir, "gpg-home-dir", "", "GPG home directory override")
	fs.StringVar(&f.locale, "l", "", "locale override")
	fs.BoolVar(&f.usage, "h", false, "print usage and exit")

	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	return f, fs, nil
}

// countVerbs reports how many mutually exclusive admin verbs are set
// (spec.md §4.7: "these verbs are mutually exclusive; more than one is
// a startup error").
func countVerbs(f *cliFlags) int {
	n := 0
	for _, set := range []bool{f.dumpConfig, f.kill, f.restart, f.status, f.fwList, f.rotateCache} {
		if set {
			n++
		}
	}
	return n
}

func filepathJoin(dir, name string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return dir + "/" + name
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	f, fs, err := parseFlags(args)
	if err != nil {
		return 2
	}

	if f.usage {
		fs.Usage()
		return 0
	}
	if f.showVersion {
		fmt.Println("knockd", version)
		return 0
	}
	if n := countVerbs(f); n > 1 {
		fmt.Fprintln(os.Stderr, "knockd: -D, -K, -R, -S, -fw-list, and -rotate-digest-cache are mutually exclusive")
		return 1
	}

	var overridePaths []string
	if f.overrides != "" {
		overridePaths = strings.Split(f.overrides, ",")
	}

	cfg, err := config.Load(f.configFile, overridePaths, f.accessFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "knockd: config error:", err)
		return 1
	}
	if f.iface != "" {
		cfg.Interface = f.iface
	}
	if f.filterExpr != "" {
		cfg.FilterExpr = f.filterExpr
	}
	if f.packetLimit > 0 {
		cfg.PacketLimit = f.packetLimit
	}
	if f.foreground {
		cfg.Foreground = true
	}
	if f.verbosity > 0 {
		cfg.Verbosity = f.verbosity
	}
	if f.gpgHomeDir != "" {
		cfg.GPGHomeDir = f.gpgHomeDir
	}
	if f.locale != "" {
		cfg.Locale = f.locale
	}
	if cfg.PidFile == "" {
		cfg.PidFile = install.PIDFilePath()
	}

	log := logging.NewFromVerbosity(os.Stderr, cfg.Verbosity)
	if cfg.Syslog.Enabled {
		w, err := logging.NewSyslogWriter(logging.SyslogConfig{
			Enabled: true, Host: cfg.Syslog.Host, Port: cfg.Syslog.Port,
			Protocol: cfg.Syslog.Protocol, Tag: cfg.Syslog.Tag, Facility: cfg.Syslog.Facility,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "knockd: syslog setup failed:", err)
			return 1
		}
		log.SetSyslog(w)
	}

	switch {
	case f.dumpConfig:
		dumpConfig(cfg)
		return 0
	case f.kill:
		return doKill(cfg)
	case f.restart:
		if rc := doKill(cfg); rc != 0 {
			return rc
		}
		return startDaemon(cfg, log)
	case f.status:
		return doStatus(cfg)
	case f.fwList:
		return doFWList(cfg, log)
	case f.rotateCache:
		return doRotateCache(cfg)
	default:
		return startDaemon(cfg, log)
	}
}

func dumpConfig(cfg *config.Config) {
	fmt.Printf("interface: %s\n", cfg.Interface)
	fmt.Printf("access_file: %s\n", cfg.AccessFile)
	fmt.Printf("replay_cache: %s (%s)\n", cfg.ReplayCachePath, cfg.ReplayCacheBackend)
	fmt.Printf("fw_command: %s\n", cfg.FWCommand)
	fmt.Printf("expire_interval: %s\n", cfg.ExpireInterval)
	for _, c := range cfg.Chains {
		fmt.Printf("chain: %s table=%s target=%s from=%s to=%s\n", c.Name, c.Table, c.Target, c.FromChain, c.ToChain)
	}
}

func doKill(cfg *config.Config) int {
	pid, err := ctlplane.ReadPID(cfg.PidFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "knockd: no running instance:", err)
		return 1
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintln(os.Stderr, "knockd:", err)
		return 1
	}
	if err := proc.Signal(os.Interrupt); err != nil {
		fmt.Fprintln(os.Stderr, "knockd: failed to signal pid", pid, ":", err)
		return 1
	}
	return 0
}

func doStatus(cfg *config.Config) int {
	pid, err := ctlplane.ReadPID(cfg.PidFile)
	if err != nil {
		fmt.Println("knockd: not running")
		return 1
	}
	fmt.Printf("knockd: running, pid %d\n", pid)
	return 0
}

func doFWList(cfg *config.Config, log *logging.Logger) int {
	fw := firewall.NewDriver(cfg.FWCommand, cfg.FWCommandTimeout, cfg.Chains, firewall.CommandRunner{}, log, nil)
	for _, name := range fw.ChainNames() {
		rules, err := fw.ListRules(context.Background(), name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "knockd: failed to list chain %s: %v\n", name, err)
			return 1
		}
		for _, r := range rules {
			fmt.Printf("%s rule=%d expires=%s\n", name, r.Number, time.Unix(r.Expiry, 0).Format(time.RFC3339))
		}
	}
	return 0
}

func doRotateCache(cfg *config.Config) int {
	switch cfg.ReplayCacheBackend {
	case "sqlite":
		s, err := replay.OpenIndexedStore(cfg.ReplayCachePath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "knockd: open digest cache:", err)
			return 1
		}
		defer s.Close()
		if err := s.Rotate(); err != nil {
			fmt.Fprintln(os.Stderr, "knockd: rotate digest cache:", err)
			return 1
		}
	default:
		s, err := replay.OpenFileStore(cfg.ReplayCachePath, nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, "knockd: open digest cache:", err)
			return 1
		}
		defer s.Close()
		if err := s.Rotate(); err != nil {
			fmt.Fprintln(os.Stderr, "knockd: rotate digest cache:", err)
			return 1
		}
	}
	return 0
}

func startDaemon(cfg *config.Config, log *logging.Logger) int {
	if unix.Geteuid() != 0 {
		log.Warn("knockd: running as non-root (euid=%d); installing firewall rules will likely fail", unix.Geteuid())
	}

	pf, err := ctlplane.Acquire(cfg.PidFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "knockd:", err)
		return 1
	}
	defer pf.Release()

	pol, err := loadPolicy(cfg.AccessFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "knockd: policy error:", err)
		return 1
	}

	store, err := openStore(cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "knockd: digest cache error:", err)
		return 1
	}
	defer store.Close()

	var m *metrics.Registry
	if cfg.MetricsAddr != "" {
		m = metrics.New()
	}

	fw := firewall.NewDriver(cfg.FWCommand, cfg.FWCommandTimeout, cfg.Chains, firewall.CommandRunner{}, log, m)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := fw.Init(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "knockd: firewall init failed:", err)
		return 1
	}
	defer fw.Shutdown(ctx)

	if m != nil {
		go m.Serve(ctx, cfg.MetricsAddr)
	}

	defaultChain := ""
	if len(cfg.Chains) > 0 {
		defaultChain = cfg.Chains[0].Name
	}
	eng := engine.New(pol, codec.NewSymmetricCodec(), store, fw, log, m, defaultChain)

	filter := cfg.FilterExpr
	src, err := capture.Open(capture.Config{
		Interface: cfg.Interface, Promiscuous: cfg.Promiscuous,
		SnaplenBytes: cfg.SnaplenBytes, FilterExpr: filter,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "knockd: capture init failed:", err)
		return 1
	}
	defer src.Close()

	d := &ctlplane.Daemon{
		Engine:         eng,
		Source:         src,
		ExpireInterval: cfg.ExpireInterval,
		PacketLimit:    cfg.PacketLimit,
		Log:            log,
		ReloadFunc: func() error {
			reloaded, err := loadPolicy(cfg.AccessFile)
			if err != nil {
				return err
			}
			*pol = *reloaded
			return nil
		},
	}

	if err := d.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "knockd:", err)
		return 1
	}
	return 0
}

func loadPolicy(path string) (*policy.Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kerrors.Wrapf(err, kerrors.KindConfigInvalid, "open access policy %s", path)
	}
	defer f.Close()
	return policy.ParseFile(f)
}

func openStore(cfg *config.Config, log *logging.Logger) (replay.Store, error) {
	switch cfg.ReplayCacheBackend {
	case "sqlite":
		return replay.OpenIndexedStore(cfg.ReplayCachePath)
	default:
		return replay.OpenFileStore(cfg.ReplayCachePath, log)
	}
}
