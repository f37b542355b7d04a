package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"grimm.is/apwatch/internal/blocklist"
	"grimm.is/apwatch/internal/ctlplane"
	"grimm.is/apwatch/internal/flowlog"
	"grimm.is/apwatch/internal/state"
)

// ClientOptions select the daemon socket and output format.
type ClientOptions struct {
	Socket string
	JSON   bool
	Out    io.Writer
}

func (o ClientOptions) out() io.Writer {
	if o.Out == nil {
		return os.Stdout
	}
	return o.Out
}

func withClient(opts ClientOptions, fn func(*ctlplane.Client) error) error {
	client, err := ctlplane.NewClient(opts.Socket)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(client)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResult(opts ClientOptions, verb string, res *blocklist.Result) error {
	if opts.JSON {
		return writeJSON(opts.out(), res)
	}
	Printer.Fprintf(opts.out(), "%s %s: %d addresses, %d rules installed", verb, res.Key, res.IPCount, res.RulesCount)
	if res.RulesRemoved > 0 {
		Printer.Fprintf(opts.out(), ", %d rules removed", res.RulesRemoved)
	}
	Printer.Fprintln(opts.out())
	return nil
}

// RunBlock blocks a domain or IP, optionally with explicit ranges.
func RunBlock(opts ClientOptions, target string, ranges []string) error {
	return withClient(opts, func(c *ctlplane.Client) error {
		var (
			res *blocklist.Result
			err error
		)
		if len(ranges) > 0 {
			res, err = c.BlockWithRanges(target, ranges)
		} else {
			res, err = c.Block(target)
		}
		if err != nil {
			return err
		}
		return printResult(opts, "Blocked", res)
	})
}

// RunUnblock removes a block.
func RunUnblock(opts ClientOptions, target string) error {
	return withClient(opts, func(c *ctlplane.Client) error {
		res, err := c.Unblock(target)
		if err != nil {
			return err
		}
		return printResult(opts, "Unblocked", res)
	})
}

// RunUpdate replaces the ranges of a block.
func RunUpdate(opts ClientOptions, target string, ranges []string) error {
	return withClient(opts, func(c *ctlplane.Client) error {
		res, err := c.UpdateRanges(target, ranges)
		if err != nil {
			return err
		}
		return printResult(opts, "Updated", res)
	})
}

// RunList prints every block.
func RunList(opts ClientOptions) error {
	return withClient(opts, func(c *ctlplane.Client) error {
		rules, err := c.ListBlocked()
		if err != nil {
			return err
		}
		if opts.JSON {
			return writeJSON(opts.out(), rules)
		}
		w := tabwriter.NewWriter(opts.out(), 0, 0, 3, ' ', 0)
		Printer.Fprintln(w, "TARGET\tRULES\tRANGES\tBLOCKED AT")
		for _, r := range rules {
			Printer.Fprintf(w, "%s\t%d/%d\t%s\t%s\n",
				r.Key, r.RulesCount, len(r.IPSet), strings.Join(r.IPSet, ","), r.CreatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	})
}

// RunGet prints one block in full.
func RunGet(opts ClientOptions, target string) error {
	return withClient(opts, func(c *ctlplane.Client) error {
		rule, err := c.GetBlocked(target)
		if err != nil {
			return err
		}
		if opts.JSON {
			return writeJSON(opts.out(), rule)
		}
		w := tabwriter.NewWriter(opts.out(), 0, 0, 3, ' ', 0)
		Printer.Fprintf(w, "target\t%s\n", rule.Key)
		Printer.Fprintf(w, "ip address\t%t\n", rule.IsIPAddress)
		Printer.Fprintf(w, "ranges\t%s\n", strings.Join(rule.IPSet, ","))
		Printer.Fprintf(w, "installed\t%s\n", strings.Join(rule.Installed, ","))
		Printer.Fprintf(w, "rules\t%d\n", rule.RulesCount)
		Printer.Fprintf(w, "blocked at\t%s\n", rule.CreatedAt.Format("2006-01-02 15:04"))
		if !rule.UpdatedAt.IsZero() {
			Printer.Fprintf(w, "updated at\t%s\n", rule.UpdatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	})
}

// RunLogs prints one page of the flow log.
func RunLogs(opts ClientOptions, q flowlog.Query) error {
	return withClient(opts, func(c *ctlplane.Client) error {
		page, err := c.QueryLogs(q)
		if err != nil {
			return err
		}
		if opts.JSON {
			return writeJSON(opts.out(), page)
		}
		w := tabwriter.NewWriter(opts.out(), 0, 0, 2, ' ', 0)
		Printer.Fprintln(w, "ID\tTIME\tSOURCE\tDESTINATION\tTYPE\tDOMAIN\tBLOCKED")
		for _, f := range page.Flows {
			blocked := ""
			if f.Blocked {
				blocked = "yes"
			}
			// ids and ports are printed raw, never digit-grouped
			Printer.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				strconv.FormatUint(f.ID, 10), f.Timestamp.Format("15:04:05"), f.SrcIP,
				netip.AddrPortFrom(f.DstIP, f.Port), f.RequestType, f.Domain, blocked)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		Printer.Fprintf(opts.out(), "page %d/%d, %d of %d entries\n", page.Page, page.TotalPages, page.Filtered, page.Total)
		return nil
	})
}

// RunLog prints one flow in full.
func RunLog(opts ClientOptions, id uint64) error {
	return withClient(opts, func(c *ctlplane.Client) error {
		f, err := c.GetLog(id)
		if err != nil {
			return err
		}
		return writeJSON(opts.out(), f)
	})
}

// RunMonitor turns logging on or off, resizes the log with
// "max-logs N", or prints the capture status.
func RunMonitor(opts ClientOptions, action string, args ...string) error {
	return withClient(opts, func(c *ctlplane.Client) error {
		switch action {
		case "max-logs":
			if len(args) != 1 {
				return errors.New("usage: monitor max-logs <n>")
			}
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid max-logs %q: %w", args[0], err)
			}
			if err := c.SetMaxLogs(n); err != nil {
				return err
			}
		case "on", "enable":
			if err := c.SetMonitoringEnabled(true); err != nil {
				return err
			}
		case "off", "disable":
			if err := c.SetMonitoringEnabled(false); err != nil {
				return err
			}
		case "", "status":
		default:
			return fmt.Errorf("unknown monitor action %q (want on, off, max-logs or status)", action)
		}

		st, err := c.MonitorStatus()
		if err != nil {
			return err
		}
		if opts.JSON {
			return writeJSON(opts.out(), st)
		}
		w := tabwriter.NewWriter(opts.out(), 0, 0, 3, ' ', 0)
		Printer.Fprintf(w, "enabled\t%t\n", st.Enabled)
		Printer.Fprintf(w, "capture running\t%t\n", st.Running)
		if st.RunID != "" {
			Printer.Fprintf(w, "run id\t%s\n", st.RunID)
		}
		Printer.Fprintf(w, "entries\t%d/%d\n", st.Entries, st.MaxLogs)
		if st.Error != "" {
			Printer.Fprintf(w, "last error\t%s\n", st.Error)
		}
		return w.Flush()
	})
}

// RunClearLogs empties the flow log.
func RunClearLogs(opts ClientOptions) error {
	return withClient(opts, func(c *ctlplane.Client) error {
		if err := c.ClearLogs(); err != nil {
			return err
		}
		Printer.Fprintln(opts.out(), "Logs cleared")
		return nil
	})
}

// RunDevices prints the hotspot's clients.
func RunDevices(opts ClientOptions) error {
	return withClient(opts, func(c *ctlplane.Client) error {
		devices, err := c.ListDevices()
		if err != nil {
			return err
		}
		if opts.JSON {
			return writeJSON(opts.out(), devices)
		}
		w := tabwriter.NewWriter(opts.out(), 0, 0, 3, ' ', 0)
		Printer.Fprintln(w, "IP\tMAC\tNAME\tVENDOR\tSTATE\tBLOCKED\tNOTES")
		for _, d := range devices {
			blocked := ""
			if d.Blocked {
				blocked = "yes"
			}
			Printer.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", d.IP, d.MAC, d.Name, d.Vendor, d.State, blocked, d.Notes)
		}
		return w.Flush()
	})
}

func printDevice(opts ClientOptions, verb string, rec *state.DeviceRecord) error {
	if opts.JSON {
		return writeJSON(opts.out(), rec)
	}
	Printer.Fprintf(opts.out(), "%s %s", verb, rec.MAC)
	if rec.Name != "" {
		Printer.Fprintf(opts.out(), " (%s)", rec.Name)
	}
	if rec.BlockedIP != "" {
		Printer.Fprintf(opts.out(), ", source %s", rec.BlockedIP)
	}
	Printer.Fprintln(opts.out())
	return nil
}

// RunDeviceInfo saves a device's name and notes.
func RunDeviceInfo(opts ClientOptions, mac, name, notes string) error {
	return withClient(opts, func(c *ctlplane.Client) error {
		rec, err := c.SaveDeviceInfo(mac, name, notes)
		if err != nil {
			return err
		}
		return printDevice(opts, "Saved", rec)
	})
}

// RunBlockDevice drops all traffic from a device. ip may be empty.
func RunBlockDevice(opts ClientOptions, mac, ip string) error {
	return withClient(opts, func(c *ctlplane.Client) error {
		rec, err := c.BlockDevice(mac, ip)
		if err != nil {
			return err
		}
		return printDevice(opts, "Blocked device", rec)
	})
}

// RunUnblockDevice removes a device block.
func RunUnblockDevice(opts ClientOptions, mac string) error {
	return withClient(opts, func(c *ctlplane.Client) error {
		rec, err := c.UnblockDevice(mac)
		if err != nil {
			return err
		}
		return printDevice(opts, "Unblocked device", rec)
	})
}
