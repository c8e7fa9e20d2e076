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
	"github.com/terminal-bench/clearnet/internal/oracle"
	"github.com/terminal-bench/clearnet/internal/session"
	"github.com/terminal-bench/clearnet/internal/solvency"
	"github.com/terminal-bench/clearnet/internal/store"
	"github.com/terminal-bench/clearnet/pkg/messaging"
)

func main() {
	natsURL := os.Getenv("NATS_URL")
	redisURL := os.Getenv("REDIS_URL")
	etcdEndpoints := os.Getenv("ETCD_ENDPOINTS")
	primaryRPC := os.Getenv("PRIMARY_RPC_URL")
	backupRPC := os.Getenv("BACKUP_RPC_URL")
	oracleURL := os.Getenv("ORACLE_URL")
	priceSymbol := os.Getenv("PRICE_SYMBOL")
	if priceSymbol == "" {
		priceSymbol = "SOL-USD"
	}

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

	var pub messaging.Publisher
	if natsURL != "" {
		msgClient, err := messaging.NewClient(messaging.Config{
			URL:            natsURL,
			Name:           "clearnet-watchtower",
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

	var orc *oracle.Oracle
	if oracleURL != "" {
		orc = oracle.New(oracle.NewHTTPSource(oracleURL))
	} else {
		orc = oracle.New(oracle.NewStatic())
	}

	threshold := int64(0)
	if raw := os.Getenv("SOLVENCY_THRESHOLD_UNITS"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			log.Fatalf("Invalid SOLVENCY_THRESHOLD_UNITS: %v", err)
		}
		threshold = parsed
	}

	// standalone watchtower gates the chain directly; the gateway's local
	// intake flag is owned by the gateway process
	authority := session.NewAuthority(st, st)
	source := solvency.NewLedgerSource(st, []string{string(chain.Primary), string(chain.Backup)}, orc, priceSymbol)
	watchtower := solvency.NewWatchtower(solvency.Config{
		ThresholdUnits: threshold,
		Interval:       5 * time.Second,
		PauseChain:     true,
	}, source, flags, targets, authority, pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watchtower.Run(ctx)
	log.Println("watchtower running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	cancel()
	time.Sleep(500 * time.Millisecond)
}
