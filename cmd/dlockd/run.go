package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pixperk/dlockd/pkg/client"
	"github.com/pixperk/dlockd/pkg/config"
	"github.com/pixperk/dlockd/pkg/dls"
	"github.com/pixperk/dlockd/pkg/gateway"
	"github.com/pixperk/dlockd/pkg/logging"
	"github.com/pixperk/dlockd/pkg/raft"
	"github.com/pixperk/dlockd/pkg/server"
	"github.com/pixperk/dlockd/pkg/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
)

const shutdownTimeout = 5 * time.Second

func run(cfg *config.Config) error {
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	peers, err := config.ParsePeers(cfg.Peers)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var logger zerolog.Logger
	if cfg.LogPretty {
		logger = logging.NewPrettyLogger("dlockd", cfg.LogLevel)
	} else {
		logger = logging.NewLogger("dlockd", cfg.LogLevel)
	}
	logger = logger.With().Str("node_id", cfg.NodeID).Logger()

	logger.Info().
		Str("raft", cfg.RaftAddr).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("data", cfg.DataDir).
		Bool("bootstrap", cfg.Bootstrap).
		Msg("starting dlockd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TraceStdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	id := types.MemberID(cfg.NodeID)

	node, err := raft.NewNode(&raft.Config{
		NodeID:         id,
		BindAddr:       cfg.RaftAddr,
		DataDir:        cfg.DataDir,
		Bootstrap:      cfg.Bootstrap,
		ExpiryInterval: cfg.ExpiryInterval,
		Logger:         logger,
		RaftLogLevel:   cfg.RaftLogLevel,
	})
	if err != nil {
		return fmt.Errorf("failed to create raft node: %w", err)
	}
	defer node.Shutdown()

	//peer transport, addresses come from the replicated view first
	peerServer := server.NewServer(logger)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(logging.GRPCLogger(logger)))
	peerServer.Register(grpcServer)

	listener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr, err)
	}
	go func() {
		logger.Info().Str("addr", cfg.GRPCAddr).Msg("gRPC server listening")
		if err := grpcServer.Serve(listener); err != nil {
			logger.Error().Err(err).Msg("gRPC server failed")
		}
	}()
	defer grpcServer.GracefulStop()

	pool := client.NewPool(client.Chain(viewResolver(node), client.Static(peers)))
	defer pool.Close()
	peer := server.NewPeer(id, peerServer, pool)

	var joinVia []types.MemberID
	if !cfg.Bootstrap {
		for pid := range peers {
			joinVia = append(joinVia, types.MemberID(pid))
		}
		sort.Slice(joinVia, func(i, j int) bool { return joinVia[i] < joinVia[j] })
	}

	registrar := raft.NewRegistrar(node, raft.RegistrarConfig{
		ID:             id,
		Addr:           cfg.GRPCAddr,
		RaftAddr:       node.RaftAddr(),
		TTL:            cfg.SessionTTL,
		Peers:          joinVia,
		Transport:      peer,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})

	member, err := dls.NewMember(dls.Config{
		ID:              id,
		Transport:       peer,
		Feed:            node,
		Logger:          logger,
		RequestTimeout:  cfg.RequestTimeout,
		RecoveryTimeout: cfg.RecoveryTimeout,
		SweepInterval:   cfg.SweepInterval,
		RetryBackoff:    cfg.RetryBackoff,
		Fallback:        registrar.HandleForwarded,
	})
	if err != nil {
		return fmt.Errorf("failed to create lock member: %w", err)
	}
	defer member.Close()

	member.View().OnChange(func(ev types.ViewEvent) {
		if ev.Kind == types.MemberDeparted && ev.Member.ID != id {
			peer.Forget(ev.Member.ID)
		}
	})

	if err := registrar.Start(ctx); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = registrar.Stop(sctx)
	}()

	if err := member.WaitReady(ctx); err != nil {
		return fmt.Errorf("member never joined the view: %w", err)
	}

	var gw *gateway.Server
	if cfg.HTTPAddr != "" {
		if os.Getenv("GIN_MODE") == "" {
			gin.SetMode(gin.ReleaseMode)
		}
		gw = gateway.NewServer(cfg.HTTPAddr, member, logger)
		go func() {
			if err := gw.Start(); err != nil {
				logger.Error().Err(err).Msg("HTTP gateway failed")
				stop()
			}
		}()
	}

	logger.Info().Uint64("seq", registrar.Member().Seq).Msg("dlockd is ready")

	<-ctx.Done()
	logger.Info().Msg("shutting down gracefully")

	if gw != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := gw.Stop(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			logger.Warn().Err(err).Msg("HTTP gateway shutdown failed")
		}
	}

	//deferred in reverse: departure, member, pool, grpc, raft
	return nil
}

// resolves member addresses from the replicated session table
func viewResolver(node *raft.Node) client.Resolver {
	return func(id types.MemberID) (string, bool) {
		for _, m := range node.Members() {
			if m.ID == id && m.Addr != "" {
				return m.Addr, true
			}
		}
		return "", false
	}
}
