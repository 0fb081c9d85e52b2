package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"trading-desk/internal/api"
	"trading-desk/internal/bridge"
	"trading-desk/internal/desk"
	"trading-desk/internal/events"
	"trading-desk/internal/monitor"
	"trading-desk/internal/session"
	"trading-desk/pkg/config"
	"trading-desk/pkg/contract"
	"trading-desk/pkg/db"
	"trading-desk/pkg/gateway"
	"trading-desk/pkg/gateway/paper"
	"trading-desk/pkg/gateway/wsbridge"
	"trading-desk/pkg/logger"
)

var buildVersion = "dev"

func main() {
	if err := run(); err != nil {
		logger.Errorf("fatal: %v", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.LogLevel)
	defer logger.Sync()
	log := logger.Named("main")

	table := bridge.DefaultCodeTable()
	if cfg.StatusCodesFile != "" {
		if table, err = bridge.LoadCodeTable(cfg.StatusCodesFile); err != nil {
			return err
		}
		log.Infof("status codes loaded from %s", cfg.StatusCodesFile)
	}
	classifier := bridge.NewClassifier(table)

	contracts := contract.NewLookup()
	if cfg.ContractsFile != "" {
		if contracts, err = contract.Load(cfg.ContractsFile); err != nil {
			return err
		}
		log.Infof("contracts loaded from %s", cfg.ContractsFile)
	}

	var journal *db.Database
	if cfg.JournalPath != "" {
		if journal, err = db.Open(cfg.JournalPath); err != nil {
			return err
		}
		defer journal.Close()
		log.Infof("journal at %s", cfg.JournalPath)
	}

	var (
		dialer     gateway.Dialer
		paperGW    *paper.Gateway
		gatewayURL string
	)
	switch cfg.GatewayTransport {
	case config.TransportWS:
		ws := wsbridge.NewDialer()
		dialer = ws
		gatewayURL = ws.URL(cfg.GatewayHost, cfg.GatewayPort, cfg.ClientID)
	default:
		pcfg := paper.DefaultConfig()
		pcfg.Account = cfg.Account
		pcfg.NetLiquidation = cfg.PaperBalance
		pcfg.TickInterval = cfg.PaperTickInterval
		pcfg.Seed = uint64(time.Now().UnixNano())
		paperGW = paper.New(pcfg)
		dialer = paperGW
		gatewayURL = "paper://" + net.JoinHostPort(cfg.GatewayHost, strconv.Itoa(cfg.GatewayPort))
	}

	bus := events.NewBus()
	manager := session.NewManager(dialer, nil, session.Config{
		ConnectTimeout: cfg.ConnectTimeout,
		SettleDelay:    cfg.SettleDelay,
		Classifier:     classifier,
		Hooks:          desk.Hooks(bus, classifier),
	})
	defer manager.Shutdown()

	dcfg := desk.DefaultConfig()
	dcfg.Endpoint = session.Endpoint{Host: cfg.GatewayHost, Port: cfg.GatewayPort, ClientID: cfg.ClientID}
	dcfg.Account = cfg.Account
	dcfg.RequestTimeout = cfg.RequestTimeout
	dcfg.PacingInterval = cfg.PacingInterval
	dcfg.DefaultRiskPct = cfg.DefaultRiskPct
	trader := desk.New(manager, contracts, journal, bus, dcfg)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := api.NewServer(trader, bus, api.Meta{
		Transport: cfg.GatewayTransport,
		Gateway:   gatewayURL,
		Symbols:   cfg.Symbols,
		Version:   buildVersion,
	})
	if paperGW != nil {
		// other desks can reach the paper gateway over the websocket bridge
		server.Router.GET(wsbridge.Path, gin.WrapH(wsbridge.NewHandler(paperGW)))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("ops API listening on %s (transport=%s, gateway=%s)", srv.Addr, cfg.GatewayTransport, gatewayURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	mon := monitor.New(bus, trader.Metrics(), nil)
	g.Go(func() error { return mon.Run(gctx) })
	if journal != nil {
		g.Go(func() error { return desk.RunJournal(gctx, bus, journal) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := trader.Close(); err != nil {
			log.Warnf("close working session: %v", err)
		}
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
