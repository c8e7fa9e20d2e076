package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/terminal-bench/clearnet/internal/chain"
	"github.com/terminal-bench/clearnet/internal/session"
	"github.com/terminal-bench/clearnet/internal/store"
	"github.com/terminal-bench/clearnet/pkg/messaging"
)

func main() {
	natsURL := os.Getenv("NATS_URL")
	redisURL := os.Getenv("REDIS_URL")
	etcdEndpoints := os.Getenv("ETCD_ENDPOINTS")
	primaryRPC := os.Getenv("PRIMARY_RPC_URL")
	backupRPC := os.Getenv("BACKUP_RPC_URL")

	if redisURL == "" {
		log.Fatal("REDIS_URL is required")
	}
	st := store.NewRedis(redisURL)

	var flags chain.FlagStore
	if etcdEndpoints != "" {
		etcdFlags, err := chain.NewEtcdFlag(strings.Split(etcdEndpoints, ","))
		if err != nil {
			log.Fatalf("Failed to connect to etcd: %v", err)
		}
		defer etcdFlags.Close()
		flags = etcdFlags
	} else {
		flags = chain.NewMemoryFlag(chain.Primary)
	}

	targets := map[chain.ID]chain.Target{
		chain.Primary: chain.NewRPCTarget(chain.Primary, primaryRPC),
		chain.Backup:  chain.NewRPCTarget(chain.Backup, backupRPC),
	}
	monitors := map[chain.ID]*chain.Monitor{
		chain.Primary: chain.NewMonitor(targets[chain.Primary]),
		chain.Backup:  chain.NewMonitor(targets[chain.Backup]),
	}

	var pub messaging.Publisher
	if natsURL != "" {
		msgClient, err := messaging.NewClient(messaging.Config{
			URL:            natsURL,
			Name:           "clearnet-chainguard",
			ReconnectWait:  time.Second,
			MaxReconnects:  10,
			ConnectTimeout: 5 * time.Second,
		})
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer msgClient.Close()
		pub = msgClient
	}

	var sink chain.MetricsSink = chain.NopSink{}
	if influxURL := os.Getenv("INFLUXDB_URL"); influxURL != "" {
		influxSink := chain.NewInfluxSink(influxURL, os.Getenv("INFLUXDB_TOKEN"), os.Getenv("INFLUXDB_ORG"), os.Getenv("INFLUXDB_BUCKET"))
		defer influxSink.Close()
		sink = influxSink
	}

	authority := session.NewAuthority(st, st)
	switcher := chain.NewSwitcher(st, flags, targets, authority, pub)
	guard := chain.NewGuard(monitors, switcher, flags, sink, pub, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go guard.Run(ctx)
	log.Println("chainguard running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	cancel()
	time.Sleep(500 * time.Millisecond)
}
