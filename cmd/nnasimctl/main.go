// nnasimctl drives the scheduler core against a simulated platform for
// manual testing and demos: it opens an in-process device, feeds it
// workloads, fakes the hardware's completion interrupts, and prints
// what the scheduler did.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nnasched/core/internal/cmdlifecycle"
	"github.com/nnasched/core/internal/config"
	"github.com/nnasched/core/internal/device"
	"github.com/nnasched/core/internal/irqpath"
	"github.com/nnasched/core/internal/logging"
	"github.com/nnasched/core/internal/metrics"
	"github.com/nnasched/core/internal/regio"
)

var (
	flagConfig string
	flagCores  int
	flagDebug  bool
)

func main() {
	root := &cobra.Command{
		Use:           "nnasimctl",
		Short:         "Drive the NNA scheduler core against a simulated platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// Accept the tunable names as they appear in the TOML file too
	// (underscores) by normalizing them to dashes.
	root.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "tunables TOML file")
	root.PersistentFlags().IntVarP(&flagCores, "cores", "n", 4, "number of cores/WMs (1-8)")
	root.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "log debug records to stderr")

	root.AddCommand(submitCmd(), cancelCmd(), statsCmd(), resetCmd(), calibrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "nnasimctl:", err)
		os.Exit(1)
	}
}

type harness struct {
	dev  *device.Device
	plat *regio.SimPlatform
	sess *device.Session
}

// nopMMU satisfies the page-table backend with no-ops; the simulated
// platform has no memory to translate.
type nopMMU struct{}

func (nopMMU) Create(int) error                                       { return nil }
func (nopMMU) Destroy(int) error                                      { return nil }
func (nopMMU) SetBase(int, uint64) error                              { return nil }
func (nopMMU) Flush(int) error                                        { return nil }
func (nopMMU) MapToOnchip(int, uint64, uint32, []uint32) (uint32, error) { return 1, nil }

// hwAutocomplete satisfies the reset/power engine's polls instantly so
// dispatch runs to completion against the simulated register file.
func hwAutocomplete(off uint32, cur uint64) uint64 {
	switch off {
	case regio.RegPowerEvent:
		return 1 << 2
	case regio.RegACEStatus:
		return 3
	case regio.RegSysRAMInit, regio.RegLOCMScrubCtrl, regio.RegSOCMScrubCtrl:
		return 0
	}
	return cur
}

func newHarness() (*harness, error) {
	cfg := config.Default()
	if flagConfig != "" {
		var err error
		cfg, err = config.Load(flagConfig)
		if err != nil {
			return nil, err
		}
	}
	props := device.HwProps{
		NumCores:         flagCores,
		LOCMBytes:        1 << 20,
		SOCMBytes:        1 << 16,
		SOCMPerCoreBytes: 4096,
		MMUWidth:         40,
		MMUPageSize:      cfg.MMUPageSize,
		CoreID:           0x28021001,
	}
	plat := regio.NewSimPlatform(0)
	plat.OnRead(hwAutocomplete)

	h := logging.NewHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}, flagDebug)
	dev, err := device.New(props, cfg, plat, nopMMU{}, nil, h)
	if err != nil {
		return nil, err
	}
	sess, err := dev.OpenSession(0x4000)
	if err != nil {
		return nil, err
	}
	if err := dev.AddBuffer(sess, &device.Buffer{ID: 1, Size: 4096, DevVirt: 0x10000, Status: device.BufFilledBySW}); err != nil {
		return nil, err
	}
	return &harness{dev: dev, plat: plat, sess: sess}, nil
}

func (h *harness) submit(n int) error {
	for i := 0; i < n; i++ {
		err := h.dev.Submit(h.sess,
			cmdlifecycle.UserCmd{CmdID: uint32(i + 1)},
			cmdlifecycle.SubmitMulti{CoreCmdBufIDs: []uint32{1, 0}})
		if err != nil {
			return err
		}
	}
	return nil
}

// drain schedules and fakes completion interrupts until nothing is
// pending anymore.
func (h *harness) drain(ctx context.Context) {
	for {
		h.dev.RunSchedulerOnce(ctx)
		pending := h.dev.PendingWMs()
		if len(pending) == 0 {
			return
		}
		for wm, wlID := range pending {
			h.plat.Set(regio.RegHostEventSource, 1<<uint(1+wm))
			h.plat.Set(regio.RegWMEventStatus, irqpath.WMBitResponseFifoReady)
			h.plat.Set(regio.RegWMResponseFifoWLStatus, irqpath.RspBitSuccess)
			h.plat.Set(regio.RegWMResponseFifoWLID, uint64(wlID))
			h.plat.Set(regio.RegWMResponseFifoWLPerf, 100_000)
			h.dev.HandleIRQ()
			h.dev.RunBottomHalfOnce(ctx)
		}
		h.plat.Set(regio.RegHostEventSource, 0)
		h.plat.Set(regio.RegWMEventStatus, 0)
	}
}

func (h *harness) printResponses() {
	for _, r := range h.dev.Responses(h.sess) {
		fmt.Printf("cmd %d: err_no=%d err_flags=%#x proc_us=%d cycles=%d\n",
			r.CmdID, r.ErrNo, r.RspErrFlags, r.LastProcUS, r.HWCycles)
	}
}

func submitCmd() *cobra.Command {
	var count int
	c := &cobra.Command{
		Use:   "submit",
		Short: "Submit workloads, drive them to completion, print responses",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newHarness()
			if err != nil {
				return err
			}
			if err := h.submit(count); err != nil {
				return err
			}
			h.drain(cmd.Context())
			h.printResponses()
			return nil
		},
	}
	c.Flags().IntVar(&count, "count", 1, "number of workloads to submit")
	return c
}

func cancelCmd() *cobra.Command {
	var count int
	c := &cobra.Command{
		Use:   "cancel",
		Short: "Submit workloads, cancel them all, print the cancel response",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newHarness()
			if err != nil {
				return err
			}
			if err := h.submit(count); err != nil {
				return err
			}
			h.dev.RunSchedulerOnce(cmd.Context())
			if err := h.dev.Cancel(cmd.Context(), h.sess, 0, 0, true); err != nil {
				return err
			}
			h.printResponses()
			fmt.Printf("cores free: %d/%d\n", h.dev.Ledger().NumCoresFree(), h.dev.Props().NumCores)
			return nil
		},
	}
	c.Flags().IntVar(&count, "count", 4, "number of workloads to submit before cancelling")
	return c
}

func statsCmd() *cobra.Command {
	var count int
	c := &cobra.Command{
		Use:   "stats",
		Short: "Run a workload mix and print the statistics block and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newHarness()
			if err != nil {
				return err
			}
			if err := h.submit(count); err != nil {
				return err
			}
			h.drain(cmd.Context())

			st := h.dev.Stats()
			fmt.Printf("kicks=%d completed=%d cancelled=%d aborted=%d failures=%d\n",
				st.Device.Kicks, st.Device.Completed, st.Device.Cancelled, st.Device.Aborted, st.TotalFailures)
			for i := range st.Cores {
				fmt.Printf("core %d: kicks=%d proc_us=%d\n", i, st.Cores[i].Kicks, st.Cores[i].TotalProcUS)
			}

			reg := prometheus.NewRegistry()
			if err := reg.Register(metrics.NewCollector(h.dev.StatsRef(), h.dev.WithLock)); err != nil {
				return err
			}
			fams, err := reg.Gather()
			if err != nil {
				return err
			}
			for _, f := range fams {
				fmt.Printf("# %s: %d series\n", f.GetName(), len(f.GetMetric()))
			}
			return nil
		},
	}
	c.Flags().IntVar(&count, "count", 8, "number of workloads to run")
	return c
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Kick workloads, then inject a fatal AXI error to force a full reset",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newHarness()
			if err != nil {
				return err
			}
			if err := h.submit(2); err != nil {
				return err
			}
			h.dev.RunSchedulerOnce(cmd.Context())

			h.plat.Set(regio.RegHostEventSource, 1)
			h.plat.Set(regio.RegSysEventStatus, irqpath.SysBitAXIError)
			h.dev.HandleIRQ()
			h.dev.RunBottomHalfOnce(cmd.Context())

			fmt.Printf("cores free after reset: %d/%d, aborted=%d\n",
				h.dev.Ledger().NumCoresFree(), h.dev.Props().NumCores, h.dev.Stats().Device.Aborted)
			return nil
		},
	}
}

func calibrateCmd() *cobra.Command {
	var count uint32
	c := &cobra.Command{
		Use:   "calibrate",
		Short: "Run the one-shot watchdog clock calibration",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newHarness()
			if err != nil {
				return err
			}
			if err := h.dev.Calibrate(cmd.Context(), count); err != nil {
				return err
			}
			// Fake the core-0 watchdog the disabled decoder guarantees.
			coreBit := uint(1 + h.dev.Props().NumCores)
			h.plat.Set(regio.RegHostEventSource, 1<<coreBit)
			h.plat.Set(regio.RegCoreEventHostStatus, irqpath.CoreBitWDT)
			h.dev.HandleIRQ()
			h.dev.RunBottomHalfOnce(cmd.Context())

			fmt.Printf("calibrated frequency: %d kHz\n", h.dev.FreqKHz())
			return nil
		},
	}
	c.Flags().Uint32Var(&count, "count", 1_000_000, "watchdog cycle count to time")
	return c
}
