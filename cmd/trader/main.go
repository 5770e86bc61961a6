// Command trader is the interactive Deribit testnet client.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/betbot/goderibit/internal/app"
	"github.com/betbot/goderibit/pkg/config"
	"github.com/betbot/goderibit/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "config file (.yaml, .yml or .json)")
	envFile := flag.String("env", ".env", "dotenv file loaded before the config")
	noStream := flag.Bool("no-stream", false, "do not open the market data websocket")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
	}

	config.SetConfigPath(*configPath)
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *noStream {
		cfg.Stream.Enabled = false
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	if err := app.ResolveCredentials(cfg); err != nil {
		logrus.Errorf("resolve credentials: %v", err)
		os.Exit(1)
	}
	in := bufio.NewReader(os.Stdin)
	if !cfg.HasCredentials() {
		promptCredentials(cfg, in)
	}
	if err := cfg.Validate(); err != nil {
		logrus.Errorf("invalid config: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg)
	if err != nil {
		logrus.Errorf("build client: %v", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Close(shutdownCtx)
	}()

	fmt.Println("Authenticating...")
	if err := a.Start(ctx); err != nil {
		fmt.Printf("Authentication failed: %s\n", describe(err))
		return
	}
	fmt.Println("Authentication successful!")

	m := newMenu(a, in, os.Stdout)
	m.dashboard = func(ctx context.Context) error {
		restore := logger.SuspendConsole()
		defer restore()
		return a.Dashboard().Run(ctx)
	}
	m.run(ctx)
}

// promptCredentials asks for the grant on the terminal when neither the
// environment nor the secret store supplied it.
func promptCredentials(cfg *config.Config, in *bufio.Reader) {
	fmt.Println("=== Deribit Trading System Login ===")
	if cfg.Credentials.ClientID == "" {
		cfg.Credentials.ClientID = readLine(in, os.Stdout, "Enter your Client ID: ")
	}
	if cfg.Credentials.ClientSecret == "" {
		cfg.Credentials.ClientSecret = readLine(in, os.Stdout, "Enter your Client Secret: ")
	}
}
