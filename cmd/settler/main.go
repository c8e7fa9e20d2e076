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
	"github.com/terminal-bench/clearnet/internal/netting"
	"github.com/terminal-bench/clearnet/internal/oracle"
	"github.com/terminal-bench/clearnet/internal/settler"
	"github.com/terminal-bench/clearnet/internal/store"
	"github.com/terminal-bench/clearnet/pkg/merkle"
	"github.com/terminal-bench/clearnet/pkg/messaging"
)

func main() {
	natsURL := os.Getenv("NATS_URL")
	redisURL := os.Getenv("REDIS_URL")
	dbURL := os.Getenv("DATABASE_URL")
	etcdEndpoints := os.Getenv("ETCD_ENDPOINTS")
	primaryRPC := os.Getenv("PRIMARY_RPC_URL")
	backupRPC := os.Getenv("BACKUP_RPC_URL")
	oracleURL := os.Getenv("ORACLE_URL")
	priceSymbol := os.Getenv("PRICE_SYMBOL")
	if priceSymbol == "" {
		priceSymbol = "SOL-USD"
	}

	if redisURL == "" {
		log.Fatal("REDIS_URL is required: the settler shares state with the gateway")
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

	var msgClient *messaging.Client
	if natsURL != "" {
		var err error
		msgClient, err = messaging.NewClient(messaging.Config{
			URL:            natsURL,
			Name:           "clearnet-settler",
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
	var notifier *messaging.Notifier
	if msgClient != nil {
		pub = msgClient
		notifier = messaging.NewNotifier(msgClient, 4096)
		defer notifier.Stop()
	}

	var orc *oracle.Oracle
	if oracleURL != "" {
		orc = oracle.New(oracle.NewHTTPSource(oracleURL))
	}

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
	}, st, netting.NewEngine(st), flags, targets, nil, merkle.NewAccumulator(), archive, orc, pub, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go settle.Run(ctx)
	log.Println("settler running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	cancel()
	time.Sleep(500 * time.Millisecond)
}
