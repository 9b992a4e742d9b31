package main

import (
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/PradaJoaquin/bittorrent-client-tracker/config"
	"github.com/PradaJoaquin/bittorrent-client-tracker/download"
	"github.com/PradaJoaquin/bittorrent-client-tracker/torrent"
)

func initLogger(verbose bool) *zap.Logger {
	zapConfig := zap.NewDevelopmentConfig()
	zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if !verbose {
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := zapConfig.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
	return logger
}

func main() {
	dir := flag.String("dir", ".", "directory of .torrent files to download")
	configPath := flag.String("config", "", "path to a KEY=VALUE config file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	logger := initLogger(*verbose)
	defer logger.Sync()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Fatal("failed to load config", zap.Error(err))
		}
	}

	paths, err := filepath.Glob(filepath.Join(*dir, "*.torrent"))
	if err != nil || len(paths) == 0 {
		logger.Fatal("no .torrent files found", zap.String("dir", *dir))
	}

	fs := afero.NewOsFs()
	downloads := []download.Download{}
	for _, path := range paths {
		tor, err := torrent.Open(path)
		if err != nil {
			logger.Error("failed to parse torrent", zap.String("path", path), zap.Error(err))
			continue
		}
		d := download.NewDownload(tor, cfg, fs)
		if err := d.Start(); err != nil {
			logger.Error("failed to start download", zap.String("path", path), zap.Error(err))
			continue
		}
		downloads = append(downloads, d)
		go trackProgress(tor, d)
	}
	if len(downloads) == 0 {
		logger.Fatal("nothing to download")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
	for _, d := range downloads {
		d.Stop()
	}
}

func trackProgress(tor *torrent.Torrent, d download.Download) {
	bar := progressbar.NewOptions(tor.NumPieces,
		progressbar.OptionSetDescription(tor.MetaInfo.Info.Name),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
	)
	for {
		verified, _, _, _ := d.Progress()
		bar.Set(verified)
		if d.IsComplete() {
			bar.Finish()
			return
		}
		time.Sleep(time.Second)
	}
}
