// Command soplogctl inspects and maintains a soplog store directory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/CVDpl/go-soplog/internal/common"
	"github.com/CVDpl/go-soplog/pkg/soplog"
	"github.com/CVDpl/go-soplog/pkg/soplog/monitoring"
	"github.com/CVDpl/go-soplog/pkg/soplog/segment"
	"github.com/CVDpl/go-soplog/pkg/soplog/sorted"
	"github.com/CVDpl/go-soplog/pkg/soplog/utils"
)

func main() {
	app := &cli.App{
		Name:    "soplogctl",
		Usage:   "inspect and maintain sorted oplog stores",
		Version: soplog.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dir",
				Aliases: []string{"d"},
				Usage:   "store directory",
				EnvVars: []string{"SOPLOG_DIR"},
			},
			&cli.StringFlag{
				Name:  "name",
				Value: "soplog",
				Usage: "file name prefix of the store",
			},
			&cli.StringFlag{
				Name:  "log",
				Value: "warn",
				Usage: "log level: debug, info, warn or error",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "dump",
				Usage: "print every live key and value",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "from", Usage: "first key (inclusive)"},
					&cli.StringFlag{Name: "to", Usage: "last key (exclusive)"},
					&cli.BoolFlag{Name: "reverse", Usage: "descending order"},
					&cli.StringFlag{Name: "bucket", Usage: "only segments flushed with this bucket metadata"},
				},
				Action: dump,
			},
			{
				Name:  "verify",
				Usage: "recompute the digest of every segment file",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "quarantine", Usage: "rename failing segments to *.corrupt"},
				},
				Action: verify,
			},
			{
				Name:   "stats",
				Usage:  "describe the active segments",
				Action: stats,
			},
			{
				Name:  "compact",
				Usage: "run a forced compaction",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "metrics-addr", Usage: "serve metrics and pprof on this address while compacting"},
					&cli.DurationFlag{Name: "timeout", Value: time.Hour, Usage: "give up after this long"},
				},
				Action: compact,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "soplogctl:", err)
		os.Exit(1)
	}
}

func logLevel(s string) (common.LogLevel, error) {
	switch s {
	case "debug":
		return common.LogLevelDebug, nil
	case "info":
		return common.LogLevelInfo, nil
	case "warn", "warning":
		return common.LogLevelWarn, nil
	case "error":
		return common.LogLevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func storeDir(c *cli.Context) (string, error) {
	dir := c.String("dir")
	if dir == "" {
		return "", cli.Exit("--dir is required", 2)
	}
	return dir, nil
}

func logger(c *cli.Context) (common.Logger, error) {
	level, err := logLevel(c.String("log"))
	if err != nil {
		return nil, err
	}
	return soplog.NewDefaultLoggerWithLevel(level), nil
}

func openStore(c *cli.Context, strategy soplog.CompactionStrategy, reg prometheus.Registerer) (*soplog.Set, error) {
	dir, err := storeDir(c)
	if err != nil {
		return nil, err
	}
	l, err := logger(c)
	if err != nil {
		return nil, err
	}
	opts := soplog.DefaultOptions()
	opts.Name = c.String("name")
	opts.Compaction = strategy
	opts.DisableBackgroundCompaction = true
	opts.Logger = l
	opts.Registerer = reg
	return soplog.Open(dir, opts)
}

func dump(c *cli.Context) (err error) {
	s, err := openStore(c, soplog.CompactionNone, nil)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}()

	from, to := sorted.Unbounded(), sorted.Unbounded()
	if v := c.String("from"); v != "" {
		from = sorted.Inclusive([]byte(v))
	}
	if v := c.String("to"); v != "" {
		to = sorted.Exclusive([]byte(v))
	}
	r := s.Reader().WithAscending(!c.Bool("reverse"))
	if b := c.String("bucket"); b != "" {
		r = r.WithFilter(sorted.MetadataEquals(sorted.MetadataBucket, []byte(b)))
	}

	it, err := r.ScanRange(from, to)
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		fmt.Fprintf(c.App.Writer, "%q\t%q\n", it.Key(), it.Value())
	}
	return it.Err()
}

func verify(c *cli.Context) error {
	dir, err := storeDir(c)
	if err != nil {
		return err
	}
	l, err := logger(c)
	if err != nil {
		return err
	}
	paths, err := filepath.Glob(filepath.Join(dir, c.String("name")+"-*"+common.SegmentExtension))
	if err != nil {
		return err
	}
	sort.Strings(paths)

	factory := segment.NewFactory(l)
	failed := 0
	for _, p := range paths {
		if err := verifyFile(factory, p); err != nil {
			failed++
			fmt.Fprintf(c.App.Writer, "%s: %v\n", filepath.Base(p), err)
			if c.Bool("quarantine") {
				if err := utils.QuarantineFile(p); err != nil {
					return err
				}
			}
			continue
		}
		fmt.Fprintf(c.App.Writer, "%s: OK\n", filepath.Base(p))
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d segments failed verification", failed, len(paths)), 1)
	}
	return nil
}

func verifyFile(factory *segment.Factory, path string) error {
	r, err := factory.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()
	return r.Verify()
}

func stats(c *cli.Context) (err error) {
	s, err := openStore(c, soplog.CompactionNone, nil)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}()

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEGMENT\tSEQ\tGEN\tKEYS\tTOMBSTONES\tBYTES\tFIRST\tLAST")
	for _, seg := range s.Compactor().Segments() {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%q\t%q\n",
			filepath.Base(seg.Path), seg.Sequence, seg.Generation,
			seg.Stats.KeyCount, seg.Stats.Tombstones, seg.Stats.Size,
			seg.Stats.FirstKey, seg.Stats.LastKey)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	total, err := s.Statistics()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "\ntotal: %d keys, %d tombstones, %d bytes\n", total.KeyCount, total.Tombstones, total.Size)
	return nil
}

func compact(c *cli.Context) (err error) {
	reg := prometheus.NewRegistry()
	s, err := openStore(c, soplog.CompactionSizeTiered, reg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}()

	if addr := c.String("metrics-addr"); addr != "" {
		l, _ := logger(c)
		srv, err := monitoring.Start(addr, reg, l)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			srv.Stop(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, c.Duration("timeout"))
	defer cancel()

	before := len(s.Compactor().Segments())
	start := time.Now()
	compacted, err := s.Compactor().Compact(ctx)
	if err != nil {
		return err
	}
	after := len(s.Compactor().Segments())
	if !compacted {
		fmt.Fprintf(c.App.Writer, "nothing to compact (%d segments)\n", before)
		return nil
	}
	fmt.Fprintf(c.App.Writer, "compacted %d segments into %d in %s\n", before, after, time.Since(start).Round(time.Millisecond))
	return nil
}
