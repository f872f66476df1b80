// The ringoram-server binary holds the bucket tree and answers the RingORAM
// wire protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	ringoram "github.com/etclab/ringoram-go"
	"github.com/etclab/ringoram-go/internal/config"
	"github.com/etclab/ringoram-go/internal/monitoring"
	"github.com/etclab/ringoram-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var (
	configFile = pflag.String("config", "", "YAML config file (default $"+config.EnvVar+")")
	listenAddr = pflag.String("listen", "", "Listen address, overrides server.listen")
)

func main() {
	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()
	defer klog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		klog.Exitf("ringoram-server: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}
	if *listenAddr != "" {
		cfg.Server.Listen = *listenAddr
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	h, err := server.NewHandler(store, ringoram.NewRand())
	if err != nil {
		return err
	}
	h.SetMetrics(server.NewMetrics(prometheus.DefaultRegisterer))

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	klog.Infof("serving %d buckets (L=%d, Z=%d, S=%d, %s store) on %v",
		store.NumBuckets(), h.Height(), cfg.ORAM.RealSlots, cfg.ORAM.DummySlots, cfg.Store.Backend, ln.Addr())

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.New(h).Serve(gCtx, ln) })
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return monitoring.ListenAndServe(gCtx, cfg.Metrics.Listen, prometheus.DefaultGatherer)
		})
	}
	err = g.Wait()
	klog.Info("ringoram-server stopped")
	return err
}

func openStore(cfg *config.Config) (ringoram.BucketStore, func(), error) {
	_, _, numBuckets := cfg.ORAM.ComputeTreeParams()
	z, s := cfg.ORAM.RealSlots, cfg.ORAM.DummySlots
	switch cfg.Store.Backend {
	case "bolt":
		store, err := server.OpenBoltStore(cfg.Store.Path, numBuckets, z, s)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				klog.Errorf("close bucket store: %v", err)
			}
		}, nil
	default:
		return ringoram.NewInMemoryStorage(numBuckets, z, s), func() {}, nil
	}
}
