package main

import (
	"flag"
	"os"
	"strconv"
	"strings"

	"grimm.is/apwatch/cmd"
	"grimm.is/apwatch/internal/config"
	"grimm.is/apwatch/internal/flowlog"
)

const defaultConfigFile = "/etc/apwatch/apwatch.hcl"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runFlags := flag.NewFlagSet("run", flag.ExitOnError)
		configFile := runFlags.String("config", defaultConfigFile, "Configuration file")
		runFlags.StringVar(configFile, "c", defaultConfigFile, "Configuration file (short)")
		iface := runFlags.String("interface", "", "Capture interface (overrides config)")
		runFlags.StringVar(iface, "i", "", "Capture interface (short)")
		dryRun := runFlags.Bool("dry-run", false, "Track drop rules in memory without touching the kernel")
		runFlags.BoolVar(dryRun, "n", false, "Dry run (short)")
		runFlags.Parse(os.Args[2:])

		if err := cmd.RunDaemon(*configFile, cmd.DaemonOptions{Interface: *iface, DryRun: *dryRun}); err != nil {
			fail("Daemon failed: %v\n", err)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("verbose", false, "Verbose output")
		checkFlags.BoolVar(verbose, "v", false, "Verbose output (short)")
		checkFlags.Parse(os.Args[2:])

		configFile := defaultConfigFile
		if checkFlags.NArg() > 0 {
			configFile = checkFlags.Arg(0)
		}
		if err := cmd.RunCheck(configFile, *verbose); err != nil {
			fail("%v\n", err)
		}

	case "block", "update":
		fs, opts := clientFlags(os.Args[1])
		ranges := fs.String("ranges", "", "Comma-separated IP addresses or CIDR ranges")
		fs.Parse(os.Args[2:])
		if fs.NArg() != 1 {
			fail("usage: apwatch %s [--ranges a,b] <domain-or-ip>\n", os.Args[1])
		}
		var err error
		if os.Args[1] == "block" {
			err = cmd.RunBlock(*opts, fs.Arg(0), splitList(*ranges))
		} else {
			err = cmd.RunUpdate(*opts, fs.Arg(0), splitList(*ranges))
		}
		if err != nil {
			fail("%s failed: %v\n", os.Args[1], err)
		}

	case "unblock":
		fs, opts := clientFlags("unblock")
		fs.Parse(os.Args[2:])
		if fs.NArg() != 1 {
			fail("usage: apwatch unblock <domain-or-ip>\n")
		}
		if err := cmd.RunUnblock(*opts, fs.Arg(0)); err != nil {
			fail("unblock failed: %v\n", err)
		}

	case "get":
		fs, opts := clientFlags("get")
		fs.Parse(os.Args[2:])
		if fs.NArg() != 1 {
			fail("usage: apwatch get <domain-or-ip>\n")
		}
		if err := cmd.RunGet(*opts, fs.Arg(0)); err != nil {
			fail("get failed: %v\n", err)
		}

	case "list":
		fs, opts := clientFlags("list")
		fs.Parse(os.Args[2:])
		if err := cmd.RunList(*opts); err != nil {
			fail("list failed: %v\n", err)
		}

	case "logs":
		fs, opts := clientFlags("logs")
		var q flowlog.Query
		fs.StringVar(&q.IP, "ip", "", "Source or destination IP")
		fs.StringVar(&q.SrcIP, "src", "", "Source IP")
		fs.StringVar(&q.DstIP, "dst", "", "Destination IP")
		fs.StringVar(&q.Protocol, "protocol", "", "TCP or UDP")
		fs.StringVar(&q.RequestType, "type", "", "dns, http or https")
		fs.BoolVar(&q.BlockedOnly, "blocked", false, "Only blocked requests")
		fs.StringVar(&q.URL, "url", "", "Domain or URL substring")
		fs.StringVar(&q.Search, "search", "", "Free-text search")
		fs.StringVar(&q.SortBy, "sort", flowlog.SortTimestamp, "Sort field")
		fs.StringVar(&q.Order, "order", flowlog.OrderDesc, "asc or desc")
		fs.IntVar(&q.Page, "page", 1, "Page number")
		fs.IntVar(&q.PerPage, "per-page", flowlog.DefaultPerPage, "Entries per page")
		fs.Parse(os.Args[2:])
		if err := cmd.RunLogs(*opts, q); err != nil {
			fail("logs failed: %v\n", err)
		}

	case "log":
		fs, opts := clientFlags("log")
		fs.Parse(os.Args[2:])
		id, err := strconv.ParseUint(fs.Arg(0), 10, 64)
		if fs.NArg() != 1 || err != nil {
			fail("usage: apwatch log <id>\n")
		}
		if err := cmd.RunLog(*opts, id); err != nil {
			fail("log failed: %v\n", err)
		}

	case "monitor":
		fs, opts := clientFlags("monitor")
		fs.Parse(os.Args[2:])
		if err := cmd.RunMonitor(*opts, fs.Arg(0), fs.Args()[min(1, fs.NArg()):]...); err != nil {
			fail("monitor failed: %v\n", err)
		}

	case "clear-logs":
		fs, opts := clientFlags("clear-logs")
		fs.Parse(os.Args[2:])
		if err := cmd.RunClearLogs(*opts); err != nil {
			fail("clear-logs failed: %v\n", err)
		}

	case "devices":
		fs, opts := clientFlags("devices")
		fs.Parse(os.Args[2:])
		if err := cmd.RunDevices(*opts); err != nil {
			fail("devices failed: %v\n", err)
		}

	case "device-info":
		fs, opts := clientFlags("device-info")
		name := fs.String("name", "", "Display name")
		notes := fs.String("notes", "", "Free-form notes")
		fs.Parse(os.Args[2:])
		if fs.NArg() != 1 {
			fail("usage: apwatch device-info [--name N] [--notes T] <mac>\n")
		}
		if err := cmd.RunDeviceInfo(*opts, fs.Arg(0), *name, *notes); err != nil {
			fail("device-info failed: %v\n", err)
		}

	case "block-device":
		fs, opts := clientFlags("block-device")
		fs.Parse(os.Args[2:])
		if fs.NArg() < 1 || fs.NArg() > 2 {
			fail("usage: apwatch block-device <mac> [ip]\n")
		}
		if err := cmd.RunBlockDevice(*opts, fs.Arg(0), fs.Arg(1)); err != nil {
			fail("block-device failed: %v\n", err)
		}

	case "unblock-device":
		fs, opts := clientFlags("unblock-device")
		fs.Parse(os.Args[2:])
		if fs.NArg() != 1 {
			fail("usage: apwatch unblock-device <mac>\n")
		}
		if err := cmd.RunUnblockDevice(*opts, fs.Arg(0)); err != nil {
			fail("unblock-device failed: %v\n", err)
		}

	case "help", "-h", "--help":
		printUsage()

	default:
		cmd.Printer.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func clientFlags(name string) (*flag.FlagSet, *cmd.ClientOptions) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	opts := &cmd.ClientOptions{}
	fs.StringVar(&opts.Socket, "socket", config.DefaultControlSocket, "Control socket")
	fs.BoolVar(&opts.JSON, "json", false, "JSON output")
	return fs, opts
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func fail(format string, args ...any) {
	cmd.Printer.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}

func printUsage() {
	cmd.Printer.Printf(`apwatch - hotspot traffic monitor and blocklist

Usage:
  apwatch <command> [options]

Daemon:
  run         Run in the foreground
              Options: --config (-c) <file>, --interface (-i) <name>, --dry-run (-n)
  check       Validate configuration file
              Options: --verbose (-v)

Blocklist:
  block       Block a domain or IP          [--ranges a,b] <target>
  update      Replace a block's IP ranges   --ranges a,b <target>
  unblock     Remove a block                <target>
  get         Show one block                <target>
  list        List blocks

Request log:
  logs        Query logged requests
              Options: --ip, --src, --dst, --protocol, --type, --blocked,
                       --url, --search, --sort, --order, --page, --per-page
  log         Show one request              <id>
  monitor     Show or toggle monitoring     [on|off|status|max-logs <n>]
  clear-logs  Empty the request log

Devices:
  devices         List hotspot clients
  device-info     Name a device             [--name N] [--notes T] <mac>
  block-device    Block a device            <mac> [ip]
  unblock-device  Remove a device block     <mac>

Client commands accept --socket <path> and --json.
`)
}
