package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/terminal-bench/clearnet/internal/chain"
	"github.com/terminal-bench/clearnet/internal/gateway"
	"github.com/terminal-bench/clearnet/internal/netting"
	"github.com/terminal-bench/clearnet/internal/oracle"
	"github.com/terminal-bench/clearnet/internal/session"
	"github.com/terminal-bench/clearnet/internal/settler"
	"github.com/terminal-bench/clearnet/internal/solvency"
	"github.com/terminal-bench/clearnet/internal/store"
	"github.com/terminal-bench/clearnet/pkg/merkle"
	"github.com/terminal-bench/clearnet/pkg/messaging"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	natsURL := os.Getenv("NATS_URL")
	redisURL := os.Getenv("REDIS_URL")
	dbURL := os.Getenv("DATABASE_URL")
	etcdEndpoints := os.Getenv("ETCD_ENDPOINTS")
	primaryRPC := os.Getenv("PRIMARY_RPC_URL")
	backupRPC := os.Getenv("BACKUP_RPC_URL")
	jwtSecret := os.Getenv("JWT_SECRET")
	oracleURL := os.Getenv("ORACLE_URL")
	priceSymbol := os.Getenv("PRICE_SYMBOL")
	if priceSymbol == "" {
		priceSymbol = "SOL-USD"
	}

	var st interface {
		store.Store
		store.PolicyStore
	}
	if redisURL != "" {
		st = store.NewRedis(redisURL)
	} else {
		st = store.NewMemory()
	}

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

	var msgClient *messaging.Client
	if natsURL != "" {
		var err error
		msgClient, err = messaging.NewClient(messaging.Config{
			URL:            natsURL,
			Name:           "clearnet-gateway",
			ReconnectWait:  time.Second,
			MaxReconnects:  10,
			ConnectTimeout: 5 * time.Second,
		})
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer msgClient.Close()
	}
	var pub messaging.Publisher
	if msgClient != nil {
		pub = msgClient
	}

	var notifier *messaging.Notifier
	if msgClient != nil {
		notifier = messaging.NewNotifier(msgClient, 4096)
		defer notifier.Stop()
	}

	var orc *oracle.Oracle
	if oracleURL != "" {
		orc = oracle.New(oracle.NewHTTPSource(oracleURL))
	} else {
		orc = oracle.New(oracle.NewStatic())
	}

	authority := session.NewAuthority(st, st)

	threshold := int64(0)
	if raw := os.Getenv("SOLVENCY_THRESHOLD_UNITS"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			log.Fatalf("Invalid SOLVENCY_THRESHOLD_UNITS: %v", err)
		}
		threshold = parsed
	}
	source := solvency.NewLedgerSource(st, []string{string(chain.Primary), string(chain.Backup)}, orc, priceSymbol)
	watchtower := solvency.NewWatchtower(solvency.Config{
		ThresholdUnits: threshold,
		Interval:       5 * time.Second,
		PauseChain:     true,
	}, source, flags, targets, authority, pub)

	switcher := chain.NewSwitcher(st, flags, targets, authority, pub)

	var sink chain.MetricsSink = chain.NopSink{}
	if influxURL := os.Getenv("INFLUXDB_URL"); influxURL != "" {
		influxSink := chain.NewInfluxSink(influxURL, os.Getenv("INFLUXDB_TOKEN"), os.Getenv("INFLUXDB_ORG"), os.Getenv("INFLUXDB_BUCKET"))
		defer influxSink.Close()
		sink = influxSink
	}
	guard := chain.NewGuard(monitors, switcher, flags, sink, pub, 10*time.Second)

	acc := merkle.NewAccumulator()
	engine := netting.NewEngine(st)

	var archive settler.Archive
	if dbURL != "" {
		pg, err := store.NewArchive(dbURL)
		if err != nil {
			log.Fatalf("Failed to open audit archive: %v", err)
		}
		defer pg.Close()
		if err := pg.EnsureSchema(context.Background()); err != nil {
			log.Fatalf("Failed to ensure audit schema: %v", err)
		}
		archive = pg
	}

	settle := settler.New(settler.Config{
		Interval:    2 * time.Second,
		PriceSymbol: priceSymbol,
	}, st, engine, flags, targets, watchtower, acc, archive, orc, pub, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watchtower.Run(ctx)
	go guard.Run(ctx)
	go settle.Run(ctx)

	gw := gateway.NewGateway(gateway.Config{
		Port:      port,
		JWTSecret: jwtSecret,
	}, authority, st, st, flags, monitors, watchtower, switcher, acc, msgClient)

	go func() {
		if err := gw.Start(); err != nil {
			log.Fatalf("Gateway failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	cancel()
	time.Sleep(500 * time.Millisecond)
}
