package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pyhost/pyhost/internal/registry"
	"github.com/pyhost/pyhost/internal/store"
	"github.com/pyhost/pyhost/pkg/client"
)

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func printRuntimeTable(entries []registry.Entry) {
	w := newTable()
	_, _ = fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tVERSION\tPATH")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", e.ID, e.Name, e.Type, e.Status, e.Version, e.Path)
	}
	_ = w.Flush()
}

func printClientRuntimeTable(runtimes []client.Runtime) {
	w := newTable()
	_, _ = fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tVERSION\tPATH")
	for _, r := range runtimes {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Type, r.Status, r.Version, r.Path)
	}
	_ = w.Flush()
}

func printEnvTable(envs []store.EnvRecord) {
	w := newTable()
	_, _ = fmt.Fprintln(w, "NAME\tPATH\tCREATED")
	for _, e := range envs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", e.Name, e.Path, e.CreatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}

func printClientEnvTable(envs []client.Environment) {
	w := newTable()
	_, _ = fmt.Fprintln(w, "NAME\tPATH\tCREATED")
	for _, e := range envs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", e.Name, e.Path, e.CreatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}

func printPackageTable(pkgs []store.PackageRow) {
	w := newTable()
	_, _ = fmt.Fprintln(w, "PACKAGE\tCONSTRAINT\tSTATUS\tVERSION")
	for _, p := range pkgs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Package, p.Constraint, p.Status, p.InstalledVersion)
	}
	_ = w.Flush()
}

func printBackendTable(backends []client.Backend) {
	w := newTable()
	_, _ = fmt.Fprintln(w, "TYPE\tSTATE\tPID\tENDPOINT\tVENV")
	for _, b := range backends {
		pid := ""
		if b.PID > 0 {
			pid = fmt.Sprintf("%d", b.PID)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", b.BackendType, b.State, pid, b.Endpoint, b.VenvPath)
	}
	_ = w.Flush()
}

// newProgressPrinter renders download progress on a single line.
func newProgressPrinter(w io.Writer) registry.ProgressSink {
	return registry.ProgressFunc(func(p registry.Progress) {
		if p.TotalBytes > 0 {
			_, _ = fmt.Fprintf(w, "\rdownloading runtime: %5.1f%% (%s / %s) eta %s   ",
				p.Percent, formatBytes(p.BytesTransferred), formatBytes(p.TotalBytes), p.ETA.Round(time.Second))
			if p.BytesTransferred >= p.TotalBytes {
				_, _ = fmt.Fprintln(w)
			}
			return
		}
		_, _ = fmt.Fprintf(w, "\rdownloading runtime: %s   ", formatBytes(p.BytesTransferred))
	})
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
