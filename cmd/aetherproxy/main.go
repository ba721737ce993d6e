// Command aetherproxy runs the interactive MITM proxy as a standalone
// process: flag parsing in the teacher's flag.StringVar idiom
// (cmd/dummycert/main.go), a disk-backed certificate store, and a single
// teapot addon wired in by default so there's something to observe on
// first run.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"

	"github.com/jnestelroad/aether-go/certstore"
	"github.com/jnestelroad/aether-go/config"
	examples "github.com/jnestelroad/aether-go/examples/teapot"
	"github.com/jnestelroad/aether-go/proxy"
	"github.com/jnestelroad/aether-go/upstream"
	"github.com/jnestelroad/aether-go/version"
)

type cliConfig struct {
	showVersion bool

	port        int
	certDir     string
	sslInsecure bool
	upstreamURL string
	configFile  string
	debug       bool
}

func loadConfig() *cliConfig {
	c := new(cliConfig)
	flag.BoolVar(&c.showVersion, "version", false, "show aetherproxy version")
	flag.IntVar(&c.port, "port", 8080, "proxy listen port")
	flag.StringVar(&c.certDir, "cert-dir", "", "directory holding the issuer key/cert and serial counter")
	flag.BoolVar(&c.sslInsecure, "ssl-insecure", false, "do not verify upstream server certificates")
	flag.StringVar(&c.upstreamURL, "upstream", "", "chain upstream connections through this proxy URL")
	flag.StringVar(&c.configFile, "config", "", "JSON config file, applied on top of defaults")
	flag.BoolVar(&c.debug, "debug", false, "enable debug logging")
	flag.Parse() //revive:disable-line:deep-exit -- ok for cmd/*
	return c
}

func main() {
	cli := loadConfig()

	level := slog.LevelInfo
	if cli.debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if cli.showVersion {
		fmt.Println("aetherproxy: " + version.String())
		os.Exit(0)
	}

	cfg := config.Default()
	if cli.configFile != "" {
		loaded, err := config.LoadFile(cli.configFile)
		if err != nil {
			slog.Error("failed to load config file", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.Port = cli.port
	cfg.SSLVerify = !cli.sslInsecure

	certs, err := certstore.New(certstore.Options{StoreDir: cli.certDir, CacheSize: 100})
	if err != nil {
		slog.Error("failed to open certificate store", "error", err)
		os.Exit(1)
	}

	p := proxy.New(cfg, certs)

	if cli.upstreamURL != "" {
		u, err := url.Parse(cli.upstreamURL)
		if err != nil {
			slog.Error("invalid -upstream URL", "error", err)
			os.Exit(1)
		}
		p.SetUpstreamProxy(upstream.Options{ProxyURL: u, ProxyInsecureSkipVerify: cli.sslInsecure})
	}

	p.AddAddon(examples.Hub())

	slog.Info("aetherproxy started", "version", p.Version, "port", cfg.Port)
	if err := p.Start(); err != nil {
		slog.Error("proxy exited", "error", err)
		os.Exit(1)
	}
}
