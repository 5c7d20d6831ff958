//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/rxmon/afxdp"
	"github.com/romshark/rxmon/delivery"
	"github.com/romshark/rxmon/hal"
	"github.com/romshark/rxmon/ifacestat"
	"github.com/romshark/rxmon/logging"
	"github.com/romshark/rxmon/logging/logfields"
	"github.com/romshark/rxmon/mem"
	"github.com/romshark/rxmon/monitor"
	"github.com/romshark/rxmon/monstat"
	"github.com/romshark/rxmon/sim"
)

var log = logging.DefaultLogger.WithField(logfields.LogSubsys, "rxmon")

const (
	iommuBase           = 0x8000_0000
	defaultDrainTimeout = 5 * time.Second
	drainPoll           = 10 * time.Millisecond
)

type Config struct {
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Monitor   monitor.Config      `yaml:"monitor"`
	Sim       sim.Config          `yaml:"sim"`
	Generator sim.GeneratorConfig `yaml:"generator"`

	// Pages is the number of DMA pages backing descriptors and the frames
	// built from them.
	Pages int `yaml:"pages"`

	// Duration bounds the run; 0 runs until the generator is done or the
	// process is interrupted.
	Duration     time.Duration `yaml:"duration"`
	DrainTimeout time.Duration `yaml:"drain-timeout"`

	Verify      bool   `yaml:"verify"`
	Pcap        string `yaml:"pcap"`
	MetricsAddr string `yaml:"metrics-addr"`

	// Egress transmits delivered frames on an AF_XDP socket when Interface
	// is set.
	Egress struct {
		Interface string             `yaml:"interface"`
		Zerocopy  bool               `yaml:"zerocopy"`
		Socket    afxdp.SocketConfig `yaml:"socket"`
	} `yaml:"egress"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if err := c.Sim.ValidateAndSetDefaults(); err != nil {
		return fmt.Errorf("sim: %w", err)
	}
	if err := c.Generator.ValidateAndSetDefaults(); err != nil {
		return fmt.Errorf("generator: %w", err)
	}
	if err := c.Monitor.ValidateAndSetDefaults(); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	if c.Monitor.PoolSize < int(c.Sim.SrcRingSize) {
		return fmt.Errorf("monitor: %w", monitor.ErrPoolTooSmall)
	}
	if c.Pages == 0 {
		c.Pages = 2 * c.Monitor.PoolSize
	}
	if c.Pages < int(c.Sim.SrcRingSize) {
		return errors.New("pages must cover the source ring")
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.Egress.Interface != "" {
		if err := c.Egress.Socket.ValidateAndSetDefaults(); err != nil {
			return fmt.Errorf("egress socket: %w", err)
		}
	}
	return nil
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fCount := flag.Uint64("n", 0, "number of PPDUs to generate (0: unbounded)")
	fPPS := flag.Uint64("pps", 0, "PPDU rate limit (0: unlimited)")
	fSeed := flag.Uint64("seed", 0, "generator seed")
	fDuration := flag.Duration("t", 0, "run duration (0: until done)")
	fPcap := flag.String("w", "", "write delivered frames to pcap file")
	fMetrics := flag.String("metrics", "", "serve Prometheus metrics on address")
	fVerify := flag.Bool("verify", false, "check delivered frames against generated ones")
	fIface := flag.String("i", "", "transmit delivered frames on interface via AF_XDP")
	fZC := flag.Bool("z", false, "prefer zerocopy")
	fLogLevel := flag.String("log-level", "", "log level")
	fLogFormat := flag.String("log-format", "", "log format (text, json)")

	flag.Parse()

	var conf Config
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	// Apply CLI overrides if necessary.
	if *fCount != 0 {
		conf.Generator.Count = *fCount
	}
	if *fPPS != 0 {
		conf.Generator.PPS = *fPPS
	}
	if *fSeed != 0 {
		conf.Generator.Seed = *fSeed
	}
	if *fDuration != 0 {
		conf.Duration = *fDuration
	}
	if *fPcap != "" {
		conf.Pcap = *fPcap
	}
	if *fMetrics != "" {
		conf.MetricsAddr = *fMetrics
	}
	if *fVerify {
		conf.Verify = true
	}
	if *fIface != "" {
		conf.Egress.Interface = *fIface
	}
	if *fZC {
		conf.Egress.Zerocopy = true
	}
	if *fLogLevel != "" {
		conf.Log.Level = *fLogLevel
	}
	if *fLogFormat != "" {
		conf.Log.Format = *fLogFormat
	}

	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

// egress is an AF_XDP transmit path for delivered frames.
type egress struct {
	iface *afxdp.Interface
	sock  *afxdp.Socket
	sink  *afxdp.TxSink
}

func openEgress(conf *Config) (*egress, error) {
	iface, err := afxdp.MakeInterface(conf.Egress.Interface, afxdp.InterfaceConfig{
		PreferZerocopy: conf.Egress.Zerocopy,
	})
	if err != nil {
		return nil, err
	}
	sock, err := iface.Open(conf.Egress.Socket)
	if err != nil {
		return nil, errors.Join(err, iface.Close())
	}
	log.WithFields(logrus.Fields{
		logfields.Interface: conf.Egress.Interface,
		logfields.Queue:     conf.Egress.Socket.QueueID,
		"zerocopy":          sock.IsZerocopy(),
	}).Info("Transmitting delivered frames")
	return &egress{iface: iface, sock: sock, sink: afxdp.NewTxSink(sock)}, nil
}

func (e *egress) Close() error {
	return errors.Join(e.sink.Close(), e.sock.Close(), e.iface.Close())
}

// serveMetrics serves ctrs on addr until ctx is canceled.
func serveMetrics(ctx context.Context, addr string, ctrs *monstat.Counters) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(monstat.NewCollector(ctrs))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		log.WithField("addr", addr).Info("Serving metrics")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}

// drained reports whether every posted descriptor was reaped and every
// PPDU delivered.
func drained(dev monitor.Device, mon *monitor.Monitor) bool {
	return dev.Dst.Pending() == 0 && mon.QueueDepth() == 0 && mon.LivePPDUs() == 0
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")
	fatalIf(logging.SetupLogging(conf.Log.Level, conf.Log.Format), "setting up logging")

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if conf.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, conf.Duration)
		defer cancel()
	}

	pages, err := mem.NewMmapAllocator(hal.BufSize, conf.Pages)
	fatalIf(err, "mapping DMA pages")
	defer pages.Close()
	iommu := mem.NewIOMMU(iommuBase, hal.BufSize)

	hw, err := sim.New(conf.Sim, iommu)
	fatalIf(err, "creating simulator")

	var sinks delivery.MultiDeliverer
	var ver *verifier
	if conf.Verify {
		ver = newVerifier()
		sinks = append(sinks, ver)
	}
	if conf.Pcap != "" {
		f, err := os.Create(conf.Pcap)
		fatalIf(err, "creating pcap file")
		defer func() { fatalIf(f.Close(), "closing pcap file") }()
		ps, err := delivery.NewPcapSink(f, 0)
		fatalIf(err, "writing pcap header")
		sinks = append(sinks, ps)
	}
	var eg *egress
	if conf.Egress.Interface != "" {
		eg, err = openEgress(conf)
		fatalIf(err, "opening egress")
		sinks = append(sinks, eg.sink)
	}
	var d delivery.Deliverer
	if len(sinks) > 0 {
		d = sinks
	}

	var ifaceBefore ifacestat.Stats
	if eg != nil {
		ifaceBefore, err = ifacestat.Snapshot([]string{conf.Egress.Interface})
		fatalIf(err, "reading interface counters")
	}

	mon, err := monitor.New(conf.Monitor, hw.Device(), pages, d)
	fatalIf(err, "creating monitor")
	hw.OnInterrupt(mon.Interrupt)
	posted := mon.BuffersAlloc(int(conf.Sim.SrcRingSize))
	log.WithField(logfields.Count, posted).Debug("Posted buffers")

	gen, err := sim.NewGenerator(hw, conf.Generator)
	fatalIf(err, "creating generator")
	var expect func([][]byte)
	if ver != nil {
		expect = ver.Expect
	}

	start := time.Now()
	runCtx, cancelRun := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return mon.Run(gctx) })
	if conf.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, conf.MetricsAddr, mon.Counters()) })
	}
	g.Go(func() error {
		if err := gen.Run(gctx, expect); err != nil {
			return err
		}
		// Let the monitor catch up before stopping it.
		deadline := time.Now().Add(conf.DrainTimeout)
		for !drained(hw.Device(), mon) && time.Now().Before(deadline) {
			mon.Interrupt()
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-time.After(drainPoll):
			}
		}
		if !drained(hw.Device(), mon) {
			log.Warn("Monitor did not drain in time")
		}
		cancelRun()
		return nil
	})
	err = g.Wait()
	cancelRun()
	elapsed := time.Since(start)
	if err != nil && !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) {
		fatalIf(err, "running")
	}

	if eg != nil {
		fatalIf(eg.sink.Flush(), "flushing egress")
	}
	stats := mon.Stats()
	pool := mon.PoolStats()
	fatalIf(mon.Close(), "closing monitor")

	genStats := gen.Stats()
	secs := elapsed.Seconds()
	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", secs)
	p.Printf(" PPDUs generated:   %d\n", genStats.PPDUs)
	p.Printf(" MPDUs generated:   %d\n", genStats.MPDUs)
	p.Printf(" Generator stalls:  %d\n", genStats.Stalls)
	p.Printf(" Avg PPDU rate:     %.0f /s\n", float64(genStats.PPDUs)/secs)
	p.Printf(" Delivered:         %d MPDUs\n", stats[monstat.MPDUsBufToStack])
	p.Printf(" Descriptors:       %d total, %d free at end\n", pool.Total, pool.Free)
	if ver != nil {
		matched, missing, unexpected := ver.Result()
		p.Printf(" Verified:          %d matched, %d missing, %d unexpected\n",
			matched, missing, unexpected)
	}
	if eg != nil {
		tx := eg.sink.Stats()
		p.Printf(" Egress:            %d sent (%d bytes), %d dropped\n",
			tx.Sent, tx.Bytes, tx.Dropped)
	}
	p.Print("\nCOUNTERS\n")
	fatalIf(monstat.Print(os.Stdout, stats), "printing counters")

	if eg != nil {
		after, err := ifacestat.Snapshot([]string{conf.Egress.Interface})
		fatalIf(err, "reading interface counters")
		p.Print("\nINTERFACE\n")
		fatalIf(ifacestat.Print(os.Stdout, after.Since(ifaceBefore)), "printing interface counters")
		fatalIf(eg.Close(), "closing egress")
	}
}
