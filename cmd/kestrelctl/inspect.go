package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"kestrel/internal/boot"
	"kestrel/internal/sim"
)

// newInspectCmd recovers the Rust original's debug/memory_monitor.rs and
// command_parser.rs as an out-of-kernel debug console (SPEC_FULL.md's
// supplemented-features section): spec.md §1 keeps device/console
// programming out of kernel scope, so this dumps state from the host
// simulator side instead of an in-kernel debugger.
func newInspectCmd() *cobra.Command {
	var frameCount int

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Spin up a simulator and dump frame allocator / scheduler state",
		RunE: func(cmd *cobra.Command, args []string) error {
			k := sim.New(boot.Info{}, nil, frameCount)
			pid, errc := k.CreateProcess(0)
			if errc != 0 {
				return fmt.Errorf("create process: %v", errc)
			}
			tid, errc := k.CreateThread(pid, 0)
			if errc != 0 {
				return fmt.Errorf("create thread: %v", errc)
			}
			if errc := k.StartThread(tid, 0x4000_0000, 0x7fff_0000); errc != 0 {
				return fmt.Errorf("start thread: %v", errc)
			}

			stats := k.Frames.Stats()
			fmt.Println("frame allocator:")
			fmt.Printf("  total free pages: %d\n", stats.TotalFreePages)
			fmt.Printf("  alloc calls:      %d\n", stats.AllocCalls)
			fmt.Printf("  free calls:       %d\n", stats.FreeCalls)
			fmt.Printf("  coalesce events:  %d\n", stats.CoalesceEvents)

			proc, _ := k.Process(pid)
			fmt.Println("process:")
			fmt.Printf("  pid:   %d\n", proc.ID)
			fmt.Printf("  state: %v\n", proc.State())

			fmt.Println("ready queue:")
			next := k.Sched.PickNext()
			if next == nil {
				fmt.Println("  (empty)")
			} else {
				fmt.Printf("  thread %d (priority %d)\n", next.ID, next.Priority)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&frameCount, "frames", 1<<12, "number of simulated 4 KiB frames")
	return cmd
}
