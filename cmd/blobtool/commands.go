package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/sensorsync/internal/merge"
	"github.com/danmuck/sensorsync/internal/protocol"
	"github.com/danmuck/sensorsync/internal/store"
	"github.com/danmuck/sensorsync/internal/summary"
	"github.com/danmuck/sensorsync/internal/verify"
	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/cobra"
)

var (
	summaryInterval int
	summaryPoints   bool

	diagMaxBytes int64

	mergeOutput string
)

func newSummaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary <blob>",
		Short: "Stream-decode a blob and print per-kind statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSummary(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0])
		},
	}
	cmd.Flags().IntVar(&summaryInterval, "interval", summary.DefaultProgressInterval, "samples between progress lines")
	cmd.Flags().BoolVar(&summaryPoints, "points", false, "include heart rate and speed series")
	return cmd
}

func runSummary(ctx context.Context, out, progress io.Writer, path string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	digest := summary.NewDigest()
	res, err := summary.Decode(ctx, io.TeeReader(f, digest), summary.Options{
		Total:    info.Size(),
		Interval: summaryInterval,
		Observer: func(p summary.Progress) {
			if p.Done {
				return
			}
			fmt.Fprintf(progress, "%-14s %5.1f%% samples=%d span=%.0fs\n", p.Kind, 100*p.Fraction(), p.Snapshot.Samples, p.Snapshot.Duration())
		},
	})
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if _, err := io.Copy(digest, f); err != nil {
		return err
	}
	res.Digest = fmt.Sprintf("%x", digest.Sum(nil))
	if !summaryPoints {
		res.HeartRate = nil
		res.Speed = nil
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func newDiagCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diag <blob>",
		Short: "Print a blob in CBOR diagnostic notation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return diagCBOR(io.LimitReader(f, diagMaxBytes), cmd.OutOrStdout())
		},
	}
	cmd.Flags().Int64Var(&diagMaxBytes, "max-bytes", 64<<20, "refuse to read more than this many bytes")
	return cmd
}

// diagCBOR writes one line of diagnostic notation per top-level item.
func diagCBOR(r io.Reader, w io.Writer) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("empty input")
	}
	remaining := data
	for len(remaining) > 0 {
		notation, rest, err := cbor.DiagnoseFirst(remaining)
		if err != nil {
			return fmt.Errorf("diagnose at byte %d: %w", len(data)-len(remaining), err)
		}
		if _, err := fmt.Fprintln(w, notation); err != nil {
			return err
		}
		remaining = rest
	}
	return nil
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <manifest.json> [chunk-dir]",
		Short: "Check chunk files against a manifest",
		Long:  "Check every chunk listed in a manifest. The chunk directory defaults to the manifest's directory.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := filepath.Dir(args[0])
			if len(args) == 2 {
				dir = args[1]
			}
			return runVerify(cmd.OutOrStdout(), args[0], dir)
		},
	}
}

func runVerify(out io.Writer, manifestPath, dir string) error {
	f, err := os.Open(manifestPath)
	if err != nil {
		return err
	}
	m, err := protocol.ReadManifest(f)
	f.Close()
	if err != nil {
		return err
	}

	var failed []string
	for idx, entry := range m.Chunks {
		res := verify.Chunk(filepath.Join(dir, entry.FileName), idx, m)
		fmt.Fprintf(out, "%4d  %-40s %s\n", idx, entry.FileName, res)
		if !res.Passed {
			failed = append(failed, entry.FileName)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d chunks failed: %s", len(failed), len(m.Chunks), strings.Join(failed, ", "))
	}
	return nil
}

func newMergeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge <workout-id> <chunk-dir>",
		Short: "Merge every chunk of a workout found in a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMerge(cmd.Context(), cmd.OutOrStdout(), args[0], args[1])
		},
	}
	cmd.Flags().StringVar(&mergeOutput, "output", "", "merged file name inside chunk-dir (default <id>_merged.cbor)")
	return cmd
}

func runMerge(ctx context.Context, out io.Writer, workoutID, dir string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := protocol.ValidateWorkoutID(workoutID); err != nil {
		return err
	}
	blobs, err := store.NewBlobs(dir)
	if err != nil {
		return err
	}
	names, err := blobs.List(workoutID)
	if err != nil {
		return err
	}
	chunks := make(map[int]string)
	for _, name := range names {
		id, idx, ok := protocol.ParseChunkFileName(name)
		if !ok || id != workoutID {
			continue
		}
		chunks[idx] = name
	}
	for idx := 0; idx < len(chunks); idx++ {
		if _, ok := chunks[idx]; !ok {
			return fmt.Errorf("chunk %d of %s is missing", idx, workoutID)
		}
	}
	name := mergeOutput
	if name == "" {
		name = protocol.MergedFileName(workoutID)
	}
	res, err := merge.Chunks(ctx, blobs, chunks, name)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "merged %d chunks into %s (%d bytes, %d samples)\n", len(chunks), res.FileName, res.SizeBytes, res.Total())
	return nil
}
