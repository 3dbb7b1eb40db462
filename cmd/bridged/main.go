package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/dgraph-io/badger/v4"
	backend "github.com/rgb-tools/rgb-multisig-bridge"
	"golang.org/x/sync/errgroup"
)

var cfg struct {
	configPath string
	dbPath     string
	filesDir   string
	port       int
}

func init() {
	flag.StringVar(&cfg.configPath, "config", "bridge.toml", "config file path")
	flag.StringVar(&cfg.dbPath, "db", "bridge.db", "database path")
	flag.StringVar(&cfg.filesDir, "files", "bridge-files", "files directory")
	flag.IntVar(&cfg.port, "port", 8080, "http port")

	flag.Parse()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer stop()

	conf, err := backend.LoadConfig(cfg.configPath)
	if err != nil {
		slog.Error("load config failed", slog.Any("err", err))
		return
	}

	rootKey, err := conf.RootKey()
	if err != nil {
		slog.Error("load root key failed", slog.Any("err", err))
		return
	}

	db, err := badger.Open(badger.DefaultOptions(cfg.dbPath))
	if err != nil {
		slog.Error("open db failed", slog.Any("err", err))
		return
	}
	defer db.Close()

	if err := backend.EnsureConfig(db, conf); err != nil {
		slog.Error("config check failed", slog.Any("err", err))
		return
	}

	if err := backend.CheckLedger(db); err != nil {
		slog.Error("ledger check failed", slog.Any("err", err))
		return
	}

	blobs, err := backend.NewBlobStore(cfg.filesDir)
	if err != nil {
		slog.Error("open blob store failed", slog.Any("err", err))
		return
	}

	slog.Info("rgb multisig bridge launch", "rgb_lib_version", conf.RGBLibVersion)

	svr := backend.NewServer(db, conf, backend.NewJWTVerifier(rootKey), blobs)

	s := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.port),
		Handler: svr.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http listen", slog.String("addr", s.Addr))
		return s.ListenAndServe()
	})

	g.Go(func() error {
		<-ctx.Done()

		return s.Shutdown(ctx)
	})

	g.Go(func() error {
		return runGC(ctx, db, time.Minute)
	})

	_ = g.Wait()
}

func runGC(ctx context.Context, db *badger.DB, dur time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dur):
			_ = db.RunValueLogGC(0.7)
		}
	}
}
