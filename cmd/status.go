package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/metal-toolbox/bladedirector/internal/app"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slices"
)

var (
	statusJSON bool
)

var cmdStatus = &cobra.Command{
	Use:   "status [--json]",
	Short: "Print the blade and VM records, read from the resource store without locking",
	Run: func(cmd *cobra.Command, _ []string) {
		printStatus(cmd.Context())
	},
}

type poolStatus struct {
	Blades []*model.BladeRecord `json:"blades"`
	VMs    []*model.VMRecord    `json:"vms"`
}

func printStatus(ctx context.Context) {
	director, _, err := app.New(model.AppKindClient, cfgFile, logLevel())
	if err != nil {
		log.Fatal(err)
	}

	repository, err := director.OpenStore()
	if err != nil {
		director.Logger.Fatal(err)
	}

	defer repository.Close()

	status := poolStatus{}

	if status.Blades, err = repository.ListBlades(ctx); err != nil {
		director.Logger.Fatal(err)
	}

	if status.VMs, err = repository.ListVMs(ctx); err != nil {
		director.Logger.Fatal(err)
	}

	slices.SortFunc(status.Blades, func(a, b *model.BladeRecord) int { return a.Ordinal - b.Ordinal })
	slices.SortFunc(status.VMs, func(a, b *model.VMRecord) int {
		if a.ParentBladeIP != b.ParentBladeIP {
			return strings.Compare(a.ParentBladeIP, b.ParentBladeIP)
		}

		return a.IndexOnServer - b.IndexOnServer
	})

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if err := enc.Encode(status); err != nil {
			director.Logger.Fatal(err)
		}

		return
	}

	writeStatus(os.Stdout, &status, time.Now())
}

func writeStatus(out io.Writer, status *poolStatus, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "BLADE\tSTATE\tOWNER\tNEXT\tKEEPALIVE\tVM SERVER\tSNAPSHOT\tCAPACITY")

	for _, b := range status.Blades {
		vmServer := "-"
		if b.IsVMServer() {
			vmServer = "yes"
			if b.VMDeployState != model.VMDeployNone {
				vmServer = string(b.VMDeployState)
			}
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d VMs, %s, %d CPUs\n",
			b.IP,
			b.State,
			orDash(b.CurrentOwner),
			orDash(b.NextOwner),
			keepAliveAge(b.LastKeepAlive, now),
			vmServer,
			orDash(b.CurrentSnapshot),
			b.MaxVMs,
			megabytes(b.MaxVMMemoryMB),
			b.MaxCPUCount,
		)
	}

	if len(status.VMs) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "VM\tSTATE\tOWNER\tKEEPALIVE\tSERVER\tNAME\tSNAPSHOT\tHARDWARE")

		for _, v := range status.VMs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s, %d CPUs\n",
				v.IP,
				v.State,
				orDash(v.CurrentOwner),
				keepAliveAge(v.LastKeepAlive, now),
				v.ParentBladeIP,
				v.DisplayName,
				orDash(v.CurrentSnapshot),
				megabytes(v.Hardware.MemoryMB),
				v.Hardware.CPUCount,
			)
		}
	}

	w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}

func keepAliveAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}

	return humanize.RelTime(t, now, "ago", "from now")
}

func megabytes(mb int) string {
	return humanize.IBytes(uint64(mb) << 20)
}

func init() {
	cmdStatus.PersistentFlags().BoolVarP(&statusJSON, "json", "", false, "print the records as JSON")

	rootCmd.AddCommand(cmdStatus)
}
