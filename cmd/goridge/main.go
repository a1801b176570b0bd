// Command goridge is a thin CLI over the session engine: add a torrent
// or magnet, download it, seed until interrupted.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/goridge/internal/logger"
	"github.com/cenkalti/goridge/session"
	"github.com/rs/zerolog"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		add        = flag.String("add", "", "torrent file path, magnet link or http URL to add")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if *debug {
		logger.SetLevel(zerolog.DebugLevel)
	}

	cfg := &session.DefaultConfig
	if *configPath != "" {
		var err error
		cfg, err = session.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "cannot load config:", err)
			os.Exit(1)
		}
	}

	ses, err := session.New(*cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cannot create session:", err)
		os.Exit(1)
	}
	defer ses.Close()

	if *add != "" {
		if err := addTorrent(ses, *add); err != nil {
			fmt.Fprintln(os.Stderr, "cannot add torrent:", err)
			os.Exit(1)
		}
	}

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sigC:
			return
		case <-ticker.C:
			printProgress(ses)
		}
	}
}

func addTorrent(ses *session.Session, arg string) error {
	if _, err := os.Stat(arg); err == nil {
		f, err := os.Open(arg)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = ses.AddTorrent(f)
		return err
	}
	_, err := ses.AddURI(arg)
	return err
}

func printProgress(ses *session.Session) {
	for _, t := range ses.ListTorrents() {
		s := t.Stats()
		fmt.Printf("%-30s %-12s %d/%d pieces  down %d B/s  up %d B/s  peers %d\n",
			t.Name(), s.Status, s.Pieces.Have, s.Pieces.Total,
			s.Speed.Download, s.Speed.Upload, s.Peers.Total)
	}
}
