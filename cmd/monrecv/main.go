//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/romshark/rxmon/afxdp"
	"github.com/romshark/rxmon/ifacestat"
	"github.com/romshark/rxmon/logging"
	"github.com/romshark/rxmon/logging/logfields"
)

var log = logging.DefaultLogger.WithField(logfields.LogSubsys, "monrecv")

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

// report prints per-second rates until ctx is canceled.
func report(ctx context.Context, s *recvStats) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastFrames, lastBytes uint64
	var maxFPS float64
	lastTime := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			elapsed := now.Sub(lastTime).Seconds()
			frames, bytes := s.Frames.Load(), s.Bytes.Load()
			fps := float64(frames-lastFrames) / elapsed
			bps := float64(bytes-lastBytes) / elapsed
			maxFPS = max(maxFPS, fps)

			fmt.Printf("total=%s | cur=%.0f fps %s/s | max=%.0f fps | decode errors=%d\n",
				humanize.Comma(int64(frames)), fps, humanize.Bytes(uint64(bps)),
				maxFPS, s.DecodeErrors.Load())

			lastFrames, lastBytes, lastTime = frames, bytes, now
		}
	}
}

func main() {
	fIface := flag.String("i", "", "interface")
	fZeroCopy := flag.Bool("z", false, "prefer zerocopy")
	fDuration := flag.Duration("t", 0, "run duration (0: until interrupted)")
	fBatch := flag.Uint("b", afxdp.DefaultBatchSize, "RX batch size")
	fLogLevel := flag.String("log-level", "", "log level")
	flag.Parse()

	if *fIface == "" {
		fmt.Fprint(os.Stderr, "missing -i interface\n")
		os.Exit(1)
	}
	fatalIf(logging.SetupLogging(*fLogLevel, ""), "setting up logging")

	iface, err := afxdp.MakeInterface(*fIface, afxdp.InterfaceConfig{
		PreferZerocopy: *fZeroCopy,
	})
	fatalIf(err, "initializing interface")
	defer func() { fatalIf(iface.Close(), "closing interface") }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *fDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *fDuration)
		defer cancel()
	}

	before, err := ifacestat.Snapshot([]string{*fIface})
	fatalIf(err, "reading interface counters")

	log.WithField(logfields.Interface, *fIface).Info("Receiving")

	stats := newRecvStats()
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return afxdp.RunCapture(gctx, iface, afxdp.SocketConfig{
			BatchSize: uint32(*fBatch),
		}, func(p *afxdp.Packet) error {
			stats.Count(p.Buf)
			return nil
		})
	})
	g.Go(func() error { return report(gctx, stats) })
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) {
		fatalIf(err, "receiving")
	}
	elapsed := time.Since(start).Seconds()

	after, err := ifacestat.Snapshot([]string{*fIface})
	fatalIf(err, "reading interface counters")

	frames := stats.Frames.Load()
	bytes := stats.Bytes.Load()

	p := message.NewPrinter(language.English)
	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" Frames:            %d (%s)\n", frames, humanize.Bytes(bytes))
	p.Printf(" Avg rate:          %.0f fps, %.1f Mbps\n",
		float64(frames)/elapsed, float64(bytes*8)/1e6/elapsed)
	p.Printf(" Data:              %d (QoS %d, protected %d)\n",
		stats.Data.Load(), stats.QoSData.Load(), stats.Protected.Load())
	p.Printf(" Management:        %d\n", stats.Mgmt.Load())
	p.Printf(" Control:           %d\n", stats.Ctrl.Load())
	p.Printf(" Bad FCS:           %d\n", stats.BadFCS.Load())
	p.Printf(" Decode errors:     %d (no 802.11 layer: %d)\n",
		stats.DecodeErrors.Load(), stats.NoDot11.Load())
	p.Print("\nINTERFACE\n")
	fatalIf(ifacestat.Print(os.Stdout, after.Since(before)), "printing interface counters")
}
