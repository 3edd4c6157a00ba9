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

	"golang.org/x/sync/errgroup"

	"deltarena/game"
	"deltarena/server"
)

// 入口：加载配置、初始化日志与归档，启动 HTTP + WebSocket 服务与心跳清扫
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := server.LoadConfig()
	if err != nil {
		return err
	}
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "server listen address, e.g. :8080")
	flag.Parse()

	// 使用 zap 日志库写入日志文件（带滚动）
	if err := server.InitLogger(cfg.Log()); err != nil {
		return err
	}
	defer server.SyncLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var archiver server.Archiver
	var archive *server.Archive
	if cfg.ArchivePath != "" {
		archive, err = server.OpenArchive(cfg.ArchivePath, cfg.InboxCapacity)
		if err != nil {
			return err
		}
		defer archive.Close()
		archiver = archive
	}

	g, gctx := errgroup.WithContext(ctx)
	srv := server.NewServer(gctx, cfg, archiver, game.ObserverFunc(func(ev game.Event) {
		if ev.Kind != game.EventSessionTick && ev.Kind != game.EventEntityUpdate {
			server.Log.Debugw("event", "kind", ev.Kind, "session", ev.SessionID, "player", ev.PlayerID, "tick", ev.Tick)
		}
	}))
	httpSrv := &http.Server{Addr: cfg.Addr, Handler: srv.Routes()}

	g.Go(func() error {
		server.Log.Infof("listening on %s (tick rate %d, anonymous=%v)", cfg.Addr, cfg.TickRate, srv.Auth().Anonymous())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return srv.Registry.Run(gctx, cfg.SweepInterval)
	})
	if archive != nil {
		g.Go(archive.Run)
	}
	g.Go(func() error {
		// 优雅退出：停止接入，等待所有会话写出最后一帧并归档
		<-gctx.Done()
		server.Log.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		srv.Sessions.Wait()
		if archive != nil {
			archive.Stop()
		}
		return err
	})
	return g.Wait()
}
