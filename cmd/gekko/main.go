// Gekko block cache workbench. Builds a cache over a synthetic guest
// program, drives the dispatcher against it, and inspects the resulting
// cache state: a treeprint dump of the indices, or an occupancy chart.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"

	"github.com/colorfulnotion/gekko/common"
	"github.com/colorfulnotion/gekko/emitter"
	"github.com/colorfulnotion/gekko/jit"
	"github.com/colorfulnotion/gekko/log"
	"github.com/colorfulnotion/gekko/ppc"
	"github.com/colorfulnotion/gekko/profiler"
	"github.com/colorfulnotion/gekko/timing"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

const (
	workloadBase = uint32(0x8000_1000)
	blockInsns   = uint32(4)
	blockBytes   = blockInsns * 4
)

type rig struct {
	cpu   *ppc.State
	cache *jit.BlockCache
	sched *timing.Scheduler
	em    *emitter.Emitter
	buf   *emitter.CodeBuffer
}

// syntheticProgram is the workload's guest control flow: blocks of four
// instructions; every eighth block loops back to the base, the rest fall
// through.
func syntheticProgram(addr uint32) (uint32, []uint32) {
	slot := (addr - workloadBase) / blockBytes
	if slot%8 == 7 {
		return blockInsns, []uint32{workloadBase}
	}
	return blockInsns, []uint32{addr + blockBytes}
}

func newRig(perfDir string) *rig {
	cpu := &ppc.State{MSR: 0x30}
	buf := emitter.NewCodeBuffer(1 << 20)
	em := emitter.NewEmitter(buf, emitter.BlockSourceFunc(syntheticProgram))

	cfg := jit.DefaultConfig()
	cfg.WriteDestroyBlock = em.WriteDestroyBlock

	sched := timing.NewScheduler()
	prof := &profiler.PerfMapProfiler{Dir: perfDir}
	cache := jit.NewBlockCache(cfg, cpu, ppc.IdentityTranslator{Mask: 0x0FFF_FFFF}, em, sched, prof)
	em.SetCache(cache)
	cache.Init()
	return &rig{cpu: cpu, cache: cache, sched: sched, em: em, buf: buf}
}

// drive runs iterations of dispatch over the synthetic program with
// periodic invalidations, standing in for a guest writing over its own
// code now and then.
func (r *rig) drive(iterations int, blocks uint32, invalidateEvery int) {
	seed := uint32(0x2545_F491)
	for i := 0; i < iterations; i++ {
		seed = seed*1664525 + 1013904223
		slot := seed % blocks
		r.cpu.PC = workloadBase + slot*blockBytes
		r.cache.Dispatch()

		if invalidateEvery > 0 && i%invalidateEvery == invalidateEvery-1 {
			victim := workloadBase + (seed>>8)%blocks*blockBytes
			r.cache.InvalidateICache(victim, 32, false)
		}
		r.sched.Advance(1)
	}
}

func runCmd() *cobra.Command {
	var iterations, invalidateEvery int
	var blocks uint32
	var perfDir string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive the dispatcher over a synthetic workload and print cache counters",
		Run: func(cmd *cobra.Command, args []string) {
			r := newRig(perfDir)
			r.drive(iterations, blocks, invalidateEvery)
			s := r.cache.GetStats()
			fmt.Printf("dispatches      %d\n", s.Dispatches)
			fmt.Printf("fast map misses %d\n", s.FastMapMisses)
			fmt.Printf("jit calls       %d\n", s.JitCalls)
			fmt.Printf("invalidations   %d\n", s.Invalidations)
			fmt.Printf("range walks     %d\n", s.RangeWalks)
			fmt.Printf("blocks freed    %d\n", s.BlocksFreed)
			fmt.Printf("code bytes      %d\n", r.buf.Len())
		},
	}
	cmd.Flags().IntVar(&iterations, "iterations", 100000, "dispatch iterations")
	cmd.Flags().Uint32Var(&blocks, "blocks", 64, "synthetic program size in blocks")
	cmd.Flags().IntVar(&invalidateEvery, "invalidate-every", 1000, "invalidate a random block every N iterations (0 disables)")
	cmd.Flags().StringVar(&perfDir, "perf-dir", "", "write a perf map file into this directory")
	return cmd
}

func dumpCmd() *cobra.Command {
	var iterations int
	var blocks uint32
	var disasm bool
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Render the block registry and each block's exits as a tree",
		Run: func(cmd *cobra.Command, args []string) {
			r := newRig("")
			r.drive(iterations, blocks, 0)

			byPhys := make(map[uint32][]*jit.Block)
			r.cache.RunOnBlocks(func(b *jit.Block) {
				byPhys[b.PhysicalAddress] = append(byPhys[b.PhysicalAddress], b)
			})
			keys := make([]uint32, 0, len(byPhys))
			for k := range byPhys {
				keys = append(keys, k)
			}
			sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

			tree := treeprint.NewWithRoot("block cache")
			for _, k := range keys {
				bucket := tree.AddBranch(fmt.Sprintf("phys %08x", k))
				for _, b := range byPhys[k] {
					node := bucket.AddBranch(b.String())
					for _, e := range b.LinkData {
						status := "thunk"
						if e.LinkStatus {
							status = "linked"
						}
						node.AddNode(fmt.Sprintf("exit %08x (%s)", e.ExitAddress, status))
					}
				}
			}
			fmt.Println(tree.String())

			if disasm {
				fmt.Println(emitter.Disassemble(r.buf.Bytes()))
			}
		},
	}
	cmd.Flags().IntVar(&iterations, "iterations", 512, "dispatch iterations before dumping")
	cmd.Flags().Uint32Var(&blocks, "blocks", 16, "synthetic program size in blocks")
	cmd.Flags().BoolVar(&disasm, "disasm", false, "also disassemble the emitted code buffer")
	return cmd
}

func statsCmd() *cobra.Command {
	var iterations int
	var blocks uint32
	var chartPath string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Chart valid-bitmap occupancy after a workload",
		Run: func(cmd *cobra.Command, args []string) {
			r := newRig("")
			r.drive(iterations, blocks, 500)

			if chartPath == "" {
				s := r.cache.GetStats()
				fmt.Printf("jit calls %d, blocks freed %d\n", s.JitCalls, s.BlocksFreed)
				return
			}
			if err := writeOccupancyChart(chartPath, r.cache); err != nil {
				log.Error(log.CmdMonitoring, "chart render failed", "err", err)
				os.Exit(1)
			}
			fmt.Printf("wrote %s\n", chartPath)
		},
	}
	cmd.Flags().IntVar(&iterations, "iterations", 100000, "dispatch iterations")
	cmd.Flags().Uint32Var(&blocks, "blocks", 64, "synthetic program size in blocks")
	cmd.Flags().StringVar(&chartPath, "chart", "", "write an HTML occupancy chart to this path")
	return cmd
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "gekko",
		Short: "Gekko block cache workbench",
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	var debug string
	var level string
	rootCmd.PersistentFlags().StringVar(&level, "log-level", "info", "log level")
	rootCmd.PersistentFlags().StringVar(&debug, "debug", "", "comma separated module list to enable debug logs for")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		log.InitLogger(level)
		log.EnableModules(debug)
	}

	rootCmd.AddCommand(runCmd(), dumpCmd(), statsCmd(), &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gekko %s commit %s built %s (head %s)\n", Version, Commit, BuildTime, common.GetCommitHash())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
