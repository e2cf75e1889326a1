package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/arsenal/memheap"
	"github.com/vkngwrapper/arsenal/memheap/allocator"
	"github.com/vkngwrapper/arsenal/memheap/region"
	"github.com/vkngwrapper/arsenal/memheap/trace"
	"golang.org/x/exp/slog"
)

type traceReport struct {
	Path   string
	Weight int
	Result trace.Result
	Stats  memheap.Statistics
	// RegionLimit is the size the trace's heap region was allowed to grow to
	RegionLimit int
	// Unreleased is the number of blocks the trace left reserved
	Unreleased int
	Err        error
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// replayTrace runs a single trace file on a fresh heap
func replayTrace(logger *slog.Logger, config Config, path string) traceReport {
	report := traceReport{Path: path}

	tr, err := trace.ParseFile(path)
	if err != nil {
		report.Err = err
		return report
	}
	report.Weight = tr.Weight

	mem, err := region.NewMemory(config.RegionLimit(), int(config.Granularity))
	if err != nil {
		report.Err = errors.Wrap(err, "failed to create the heap region")
		return report
	}
	report.RegionLimit = mem.Limit()

	logger = logger.With(slog.String("trace", filepath.Base(path)))
	alloc, err := allocator.New(logger, mem, config.CreateOptions())
	if err != nil {
		report.Err = err
		return report
	}

	err = alloc.Init()
	if err != nil {
		report.Err = err
		return report
	}

	report.Result, err = trace.Replay(alloc, tr, trace.ReplayOptions{Validate: config.Check})
	if err != nil {
		report.Err = err
		return report
	}

	err = alloc.Validate()
	if err != nil {
		report.Err = errors.Wrap(err, "heap invalid after the trace finished")
		return report
	}
	if config.Verbose {
		alloc.CheckHeap(true)
	}

	alloc.AddStatistics(&report.Stats)
	report.Unreleased = alloc.LogReservedBlocks()

	return report
}

func runTraces(cmd *cobra.Command, config Config, paths []string, jsonOut bool) error {
	logger := newLogger(cmd.ErrOrStderr(), config.Verbose)
	logger.Debug("replaying traces",
		slog.Int("Traces", len(paths)),
		slog.Int("RegionLimit", config.RegionLimit()),
		slog.Bool("DebugChecks", memheap.DebugEnabled))

	reports := make([]traceReport, 0, len(paths))
	failed := 0
	for _, path := range paths {
		report := replayTrace(logger, config, path)
		if report.Err != nil {
			failed++
		}
		reports = append(reports, report)
	}

	if jsonOut {
		writeJSONReports(cmd.OutOrStdout(), reports)
	} else {
		writeTextReports(cmd.OutOrStdout(), reports)
	}

	if failed > 0 {
		return errors.Newf("%d of %d traces failed", failed, len(paths))
	}
	return nil
}

// averageUtilization is the mean utilization of every successful trace with a nonzero weight
func averageUtilization(reports []traceReport) (float64, bool) {
	var total float64
	scored := 0
	for _, report := range reports {
		if report.Err != nil || report.Weight == 0 {
			continue
		}
		total += report.Result.Utilization()
		scored++
	}

	if scored == 0 {
		return 0, false
	}
	return total / float64(scored), true
}

func writeTextReports(w io.Writer, reports []traceReport) {
	fmt.Fprintf(w, "%-28s %-6s %8s %8s %12s\n", "trace", "valid", "ops", "util", "heap")
	for _, report := range reports {
		name := filepath.Base(report.Path)
		if report.Err != nil {
			fmt.Fprintf(w, "%-28s %-6s %v\n", name, "no", report.Err)
			continue
		}

		fmt.Fprintf(w, "%-28s %-6s %8d %7.1f%% %12s\n", name, "yes",
			report.Result.Ops, report.Result.Utilization()*100, humanize.IBytes(uint64(report.Result.HeapSize)))
		if report.Unreleased > 0 {
			fmt.Fprintf(w, "%-28s %s\n", "", report.Stats.String())
		}
	}

	if average, ok := averageUtilization(reports); ok {
		fmt.Fprintf(w, "average utilization of scored traces: %.1f%%\n", average*100)
	}
}

func writeJSONReports(w io.Writer, reports []traceReport) {
	writer := jwriter.NewWriter()

	obj := writer.Object()
	traces := obj.Name("Traces").Array()
	for _, report := range reports {
		traceObj := traces.Object()
		traceObj.Name("Trace").String(report.Path)
		traceObj.Name("Valid").Bool(report.Err == nil)

		if report.Err != nil {
			traceObj.Name("Error").String(report.Err.Error())
		} else {
			traceObj.Name("Weight").Int(report.Weight)
			traceObj.Name("Ops").Int(report.Result.Ops)
			traceObj.Name("PeakPayloadBytes").Int(report.Result.PeakPayloadBytes)
			traceObj.Name("HeapSize").Int(report.Result.HeapSize)
			traceObj.Name("RegionLimit").Int(report.RegionLimit)
			traceObj.Name("Utilization").Float64(report.Result.Utilization())
			traceObj.Name("Unreleased").Int(report.Unreleased)

			heapObj := traceObj.Name("Heap").Object()
			report.Stats.PrintJson(heapObj)
			heapObj.End()
		}

		traceObj.End()
	}
	traces.End()

	if average, ok := averageUtilization(reports); ok {
		obj.Name("AverageUtilization").Float64(average)
	}
	obj.End()

	_, _ = w.Write(writer.Bytes())
	fmt.Fprintln(w)
}
