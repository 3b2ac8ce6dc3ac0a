// chunkd runs the chunk lifecycle engine and serves the observer
// endpoints, and ships the offline inspection tooling for its on-disk
// formats.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/cobra"

	"terraforge.dev/internal/engine"
	"terraforge.dev/internal/persist/modlog"
	"terraforge.dev/internal/persist/snapshot"
	"terraforge.dev/internal/transport/observer"
	"terraforge.dev/internal/tuning"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chunkd",
		Short:         "voxel chunk lifecycle daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(serveCmd(), inspectCmd())
	return root
}

func serveCmd() *cobra.Command {
	var (
		cfgPath      string
		dataDir      string
		listen       string
		walk         bool
		walkRadius   int
		walkEveryTck int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the engine with the observer endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfgPath, dataDir, listen, walk, walkRadius, walkEveryTck)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "tuning.yaml path (defaults apply when empty)")
	cmd.Flags().StringVar(&dataDir, "data", "data", "persistence directory")
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8137", "http listen address")
	cmd.Flags().BoolVar(&walk, "walk", false, "run a simulated viewer walking the world")
	cmd.Flags().IntVar(&walkRadius, "walk-radius", 6, "viewer load radius in chunks")
	cmd.Flags().IntVar(&walkEveryTck, "walk-every", 8, "ticks between viewer steps")
	return cmd
}

func runServe(cfgPath, dataDir, listen string, walk bool, walkRadius, walkEvery int) error {
	lg := log.New(os.Stdout, "[chunkd] ", log.LstdFlags|log.Lmicroseconds)

	tune := tuning.Defaults()
	if cfgPath != "" {
		var err error
		if tune, err = tuning.Load(cfgPath); err != nil {
			return err
		}
	}

	eng, err := engine.New(engine.Options{DataDir: dataDir, Tune: tune, Logger: lg})
	if err != nil {
		return err
	}
	obs := observer.NewServer(eng, lg)
	eng.SetOnMeshReady(obs.MeshReady)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/observe", obs.WSHandler())
	mux.HandleFunc("/v1/bootstrap", obs.BootstrapHandler())
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	srv := &http.Server{Addr: listen, Handler: mux}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		lg.Printf("listening on %s", listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Printf("http: %v", err)
			cancel()
		}
	}()

	var viewer *engine.Viewer
	if walk {
		viewer = engine.NewViewer(eng, tune.Seed, walkRadius, 2.5)
		lg.Printf("simulated viewer enabled, radius %d", walkRadius)
	}

	// The budget ceiling stays lifted until the initial load around the
	// viewer drains for the first time.
	bulk := viewer != nil
	if bulk {
		eng.SetBulkLoad(true)
		viewer.Advance()
	}

	every := time.Duration(tune.Scheduler.TickEveryMs) * time.Millisecond
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	tick := 0
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			eng.Tick()
			if bulk && eng.Scheduler().QueueSize() == 0 {
				eng.SetBulkLoad(false)
				bulk = false
				lg.Printf("initial load complete")
			}
			if viewer != nil && tick%walkEvery == 0 {
				viewer.Advance()
			}
			tick++
		}
	}

	lg.Printf("shutting down")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	return eng.Close()
}

func inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "decode on-disk chunk data",
	}
	cmd.AddCommand(inspectSnapshotCmd(), inspectModlogCmd())
	return cmd
}

func inspectSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <file>",
		Short: "print a snapshot file's header",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			h, err := snapshot.ParseHeader(data)
			if err != nil {
				return err
			}
			fmt.Printf("coord:      %s\n", h.Coord)
			fmt.Printf("version:    %d\n", h.Version)
			fmt.Printf("flags:      %s\n", flagNames(h.Flags))
			fmt.Printf("densities:  %d\n", h.DensityCount)
			fmt.Printf("voxels:     %d\n", h.VoxelCount)
			fmt.Printf("file bytes: %d\n", len(data))
			return nil
		},
	}
}

func flagNames(f snapshot.Flag) string {
	if f == 0 {
		return "none"
	}
	out := ""
	add := func(s string) {
		if out != "" {
			out += "|"
		}
		out += s
	}
	if f&snapshot.FlagHasModifications != 0 {
		add("modified")
	}
	if f&snapshot.FlagIsCompressed != 0 {
		add("compressed")
	}
	if f&snapshot.FlagHasVoxelData != 0 {
		add("voxels")
	}
	if f&snapshot.FlagIsEmpty != 0 {
		add("empty")
	}
	if f&snapshot.FlagIsSolid != 0 {
		add("solid")
	}
	return out
}

func inspectModlogCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "modlog <file>",
		Short: "summarize a modification log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			total := 0
			perCoord := map[string]int{}
			err := modlog.Scan(args[0], func(e modlog.Entry) bool {
				total++
				perCoord[e.Coord.String()]++
				if verbose {
					verb := "remove"
					if e.IsAdding {
						verb = "add"
					}
					fmt.Printf("t=%d %s voxel(%d,%d,%d) %s delta=%.3f\n",
						e.TimestampTicks, e.Coord, e.X, e.Y, e.Z, verb, e.DensityChange)
				}
				return true
			})
			if err != nil {
				return err
			}
			fmt.Printf("%d entries across %d chunks\n", total, len(perCoord))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every record")
	return cmd
}
