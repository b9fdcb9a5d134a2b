package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/samcharles93/scfdev/internal/device"
	"github.com/urfave/cli/v3"
)

func devicesCmd() *cli.Command {
	var asJSON bool
	return &cli.Command{
		Name:  "devices",
		Usage: "List the devices the selected backend opens",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			f, err := openFacade(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			return printDevices(outWriter(cmd), f.Devices(), asJSON)
		},
	}
}

func printDevices(w io.Writer, infos []device.Info, asJSON bool) error {
	if asJSON {
		out, err := json.MarshalIndent(infos, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(out))
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tBACKEND\tMEMORY\tSMS\tBLAS\tFEATURES")
	for _, info := range infos {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			info.ID, info.Name, info.Backend, formatBytes(info.TotalMemory),
			info.Multiproc, info.BlasLibrary, strings.Join(info.Features, ","))
	}
	return tw.Flush()
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
