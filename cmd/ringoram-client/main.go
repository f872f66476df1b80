// The ringoram-client binary runs a store/read workload against a
// ringoram-server through the logical key-value layer and reports storage
// statistics.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	ringoram "github.com/etclab/ringoram-go"
	"github.com/etclab/ringoram-go/client"
	"github.com/etclab/ringoram-go/internal/config"
	"github.com/etclab/ringoram-go/internal/monitoring"
	"github.com/etclab/ringoram-go/kvstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var (
	configFile = pflag.String("config", "", "YAML config file (default $"+config.EnvVar+")")
	address    = pflag.String("address", "", "Server address, overrides server.address")
	numNodes   = pflag.Int("nodes", 32, "Number of tree nodes to store")
	numDocs    = pflag.Int("docs", 16, "Number of documents to store")
	rounds     = pflag.Int("rounds", 3, "Read-back rounds")
	timeout    = pflag.Duration("timeout", 10*time.Second, "Deadline for each logical operation")
	metricsAt  = pflag.String("metrics-listen", "", "Metrics listen address, overrides metrics.listen")
)

func main() {
	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()
	defer klog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		klog.Exitf("ringoram-client: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}
	if *address != "" {
		cfg.Server.Address = *address
	}
	if *metricsAt != "" {
		cfg.Metrics.Listen = *metricsAt
	}

	key, generated, err := cfg.Crypto.BlockKey()
	if err != nil {
		return err
	}
	enc, err := ringoram.NewEncryptor(cfg.Crypto.Cipher, key)
	if err != nil {
		return err
	}
	klog.Infof("cipher %s, key fingerprint %s (generated=%v)", cfg.Crypto.Cipher, ringoram.KeyFingerprint(key), generated)

	dialCtx, cancel := context.WithTimeout(ctx, *timeout)
	c, err := client.Dial(dialCtx, cfg.Server.Address)
	cancel()
	if err != nil {
		return err
	}

	o, err := ringoram.New(cfg.ORAM, c, enc, ringoram.NewRand())
	if err != nil {
		c.Close()
		return err
	}
	defer o.Close()
	o.SetMetrics(ringoram.NewMetrics(prometheus.DefaultRegisterer))

	store := kvstore.New(o)
	start := time.Now()
	wCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(wCtx)
	g.Go(func() error {
		defer cancel()
		return workload(gCtx, store)
	})
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return monitoring.ListenAndServe(gCtx, cfg.Metrics.Listen, prometheus.DefaultGatherer)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	stats := store.Stats()
	fmt.Printf("=== RingORAM storage statistics ===\n")
	fmt.Printf("nodes stored:     %d\n", stats.Nodes)
	fmt.Printf("documents stored: %d\n", stats.Documents)
	fmt.Printf("next block id:    %d\n", stats.NextBlockID)
	fmt.Printf("capacity:         %d\n", stats.Capacity)
	fmt.Printf("stash size:       %d\n", o.StashSize())
	fmt.Printf("evictions:        %d\n", o.EvictionCursor())
	fmt.Printf("elapsed:          %v\n", elapsed)
	return nil
}

func nodePayload(id, round int) []byte {
	return []byte(fmt.Sprintf("node-%d-r%d", id, round))
}

func workload(ctx context.Context, store *kvstore.Store) error {
	call := func(f func(context.Context) error) error {
		opCtx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()
		return f(opCtx)
	}

	nodes := make([]kvstore.Node, *numNodes)
	for i := range nodes {
		nodes[i] = kvstore.Node{ID: i, Data: nodePayload(i, 0)}
	}
	for _, n := range nodes {
		if err := call(func(ctx context.Context) error { return store.StoreNode(ctx, n.ID, n.Data) }); err != nil {
			return err
		}
	}
	for d := 0; d < *numDocs; d++ {
		doc := []byte(fmt.Sprintf("document %d", d))
		if err := call(func(ctx context.Context) error { return store.StoreDocument(ctx, d, doc) }); err != nil {
			return err
		}
	}
	if err := call(func(ctx context.Context) error { return store.SetRootPath(ctx, 0) }); err != nil {
		return err
	}

	for r := 1; r <= *rounds; r++ {
		for i := 0; i < *numNodes; i++ {
			want := nodePayload(i, r-1)
			var got []byte
			err := call(func(ctx context.Context) (err error) {
				got, err = store.ReadNode(ctx, i)
				return err
			})
			if err != nil {
				return err
			}
			if !bytes.Equal(got, want) {
				return fmt.Errorf("round %d: node %d = %q, want %q", r, i, got, want)
			}
			nodes[i].Data = nodePayload(i, r)
		}
		if err := call(func(ctx context.Context) error { return store.BatchStoreNodes(ctx, nodes) }); err != nil {
			return err
		}
		klog.V(1).Infof("round %d verified %d nodes", r, *numNodes)
	}

	root, err := store.RootPath(ctx)
	if err != nil {
		return err
	}
	klog.Infof("workload complete: root path %d", root)
	return nil
}
