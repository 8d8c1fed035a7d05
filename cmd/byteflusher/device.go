package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/byteflusher/internal/ble"
	"github.com/chaz8081/byteflusher/internal/history"
	"github.com/chaz8081/byteflusher/internal/job"
)

func newScanCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List nearby ByteFlusher devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if timeout <= 0 {
				timeout = time.Duration(a.cfg.Device.ScanTimeoutSec) * time.Second
			}
			devices, err := ble.ScanForDevices(ble.NewSystemAdapter(), timeout)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(devices) == 0 {
				fmt.Fprintf(out, "No ByteFlusher devices found within %s\n", timeout)
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI")
			for _, d := range devices {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", d.Name, d.Address, d.RSSI)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "scan duration (default: device.scan_timeout_sec)")
	return cmd
}

func newDeviceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Manage the connected device",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "nickname [name]",
		Short: "Show or set the device nickname (empty string restores the default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, release, err := a.newSession(targetFlags{}, nil)
			if err != nil {
				return err
			}
			defer release()
			if err := s.Connect(cmd.Context()); err != nil {
				return err
			}

			if len(args) == 0 {
				name, err := s.Nickname()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), name)
				return nil
			}
			name, err := s.SetNickname(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Nickname set to %q; it is advertised after the device restarts\n", name)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "bootloader",
		Short: "Restart the device into its firmware update mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, release, err := a.newSession(targetFlags{}, nil)
			if err != nil {
				return err
			}
			defer release()
			if err := s.Connect(cmd.Context()); err != nil {
				return err
			}
			if err := s.RequestBootloader(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Device is restarting into its bootloader")
			return nil
		},
	})
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := history.Open(a.cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.List(n)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tKIND\tOUTCOME\tFILES\tSENT\tTOOK\tETA\tREASON")
			for _, r := range runs {
				took := "-"
				if !r.EndedAt.IsZero() {
					took = job.FormatDuration(r.EndedAt.Sub(r.StartedAt))
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s/%s\t%s\t%s\t%s\n",
					r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Kind, r.Outcome, r.Files,
					job.FormatBytes(r.SentBytes), job.FormatBytes(r.TotalBytes),
					took, job.FormatDuration(r.InitialETA), r.Reason)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&n, "number", "n", 20, "number of runs to show (0 for all)")
	return cmd
}
