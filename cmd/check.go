package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"grimm.is/apwatch/internal/capture"
	"grimm.is/apwatch/internal/config"
)

// RunCheck validates the configuration file syntax and semantics.
func RunCheck(configFile string, verbose bool) error {
	if configFile == "" {
		return fmt.Errorf("usage: apwatch check [-v] <config-file>")
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	Printer.Printf("Configuration valid!\n")
	if !verbose {
		return nil
	}

	Printer.Println()
	printSummary(cfg)

	subnet, _ := cfg.SubnetPrefix()
	iface := cfg.Interface
	if iface == "" {
		iface = "<autodetect: " + strings.Join(cfg.Interfaces, ", ") + ">"
	}
	opts := capture.ProcessOptions{
		Command:   cfg.Monitor.CaptureCmd,
		Interface: iface,
		Filter:    capture.BuildFilter(subnet, cfg.Ports),
	}
	Printer.Println("\n--- Capture command ---")
	Printer.Printf("%s %s\n", opts.Command, strings.Join(opts.Args(), " "))
	return nil
}

func printSummary(cfg *config.Config) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	Printer.Fprintln(w, "SETTING\tVALUE")
	Printer.Fprintf(w, "subnet\t%s\n", cfg.Subnet)
	Printer.Fprintf(w, "ports\t%v\n", cfg.Ports)
	Printer.Fprintf(w, "state\t%s\n", cfg.StatePath())
	Printer.Fprintf(w, "control socket\t%s\n", cfg.ControlSocket)
	Printer.Fprintf(w, "monitor enabled\t%t\n", cfg.Monitor.Enabled)
	Printer.Fprintf(w, "max logs\t%d\n", cfg.Monitor.MaxLogs)
	Printer.Fprintf(w, "filter backend\t%s\n", cfg.Blocklist.Backend)
	if cfg.Blocklist.Backend == config.BackendIPTables {
		Printer.Fprintf(w, "chain\t%s\n", cfg.Blocklist.Chain)
	}
	Printer.Fprintf(w, "command timeout\t%s\n", cfg.Blocklist.CommandTimeout)
	Printer.Fprintf(w, "resolve timeout\t%s\n", cfg.Blocklist.ResolveTimeout)
	if len(cfg.Blocklist.Upstreams) > 0 {
		Printer.Fprintf(w, "upstreams\t%s\n", strings.Join(cfg.Blocklist.Upstreams, ", "))
	}
	if cfg.MetricsListen != "" {
		Printer.Fprintf(w, "metrics\t%s\n", cfg.MetricsListen)
	}
	w.Flush()
}
