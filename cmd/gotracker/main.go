package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/PradaJoaquin/bittorrent-client-tracker/trackerserver"
)

func main() {
	port := flag.Int("port", 8080, "TCP port the tracker listens on")
	flag.Parse()

	zapConfig := zap.NewDevelopmentConfig()
	zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := zapConfig.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
	defer logger.Sync()

	quit := make(chan int)
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		close(quit)
	}()

	srv := trackerserver.NewServer(*port, quit)
	if err := srv.ListenAndServe(); err != nil {
		logger.Fatal("tracker failed", zap.Error(err))
	}
}
