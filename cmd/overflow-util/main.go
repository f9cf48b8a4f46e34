package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/INLOpen/nexusexport/datasource"
)

func main() {
	baseDir := flag.String("overflow-dir", "", "The export overflow directory to inspect (required)")
	flag.Parse()

	if *baseDir == "" {
		fmt.Fprintln(os.Stderr, "Error: -overflow-dir flag is required.")
		flag.Usage()
		os.Exit(1)
	}
	if err := list(os.Stdout, *baseDir); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// list prints every data source found under the numeric generation
// directories of baseDir.
func list(out io.Writer, baseDir string) error {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return fmt.Errorf("failed to read overflow directory: %w", err)
	}
	var epochs []int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if epoch, err := strconv.ParseInt(e.Name(), 10, 64); err == nil {
			epochs = append(epochs, epoch)
		}
	}
	if len(epochs) == 0 {
		fmt.Fprintln(out, "No generations found.")
		return nil
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "EPOCH\tTABLE\tPARTITION\tSIGNATURE\tBLOCKS\tUSO RANGE\tQUEUED (KB)\tPARTIAL")
	fmt.Fprintln(w, "-----\t-----\t---------\t---------\t------\t---------\t-----------\t-------")
	for _, epoch := range epochs {
		stats, err := datasource.StatDirectory(filepath.Join(baseDir, strconv.FormatInt(epoch, 10)))
		if err != nil {
			return fmt.Errorf("generation %d: %w", epoch, err)
		}
		if len(stats) == 0 {
			fmt.Fprintf(w, "%d\t-\t-\t-\t0\t-\t0.00\t0\n", epoch)
			continue
		}
		sort.Slice(stats, func(i, j int) bool {
			if stats[i].Advertisement.Partition != stats[j].Advertisement.Partition {
				return stats[i].Advertisement.Partition < stats[j].Advertisement.Partition
			}
			return stats[i].Advertisement.Signature < stats[j].Advertisement.Signature
		})
		for _, s := range stats {
			usoRange := "-"
			if s.Blocks > 0 {
				usoRange = fmt.Sprintf("%d-%d", s.FirstUSO, s.LastUSO)
			}
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d\t%s\t%.2f\t%d\n",
				epoch,
				s.Advertisement.TableName,
				s.Advertisement.Partition,
				s.Advertisement.Signature,
				s.Blocks,
				usoRange,
				float64(s.QueuedBytes)/1024,
				s.Partial,
			)
		}
	}
	return w.Flush()
}
