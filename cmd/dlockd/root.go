package main

import (
	"github.com/pixperk/dlockd/pkg/config"
	"github.com/spf13/cobra"
)

// flags override DLOCKD_* environment variables, which override defaults
var cfg = config.Load()

var rootCmd = &cobra.Command{
	Use:   "dlockd",
	Short: "Distributed lock service member",
	Long: `dlockd joins a cluster of lock service members. Membership is replicated
with raft, peers talk over gRPC and each member serves its locks over HTTP.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cfg)
	},
}

func init() {
	f := rootCmd.Flags()

	f.StringVar(&cfg.NodeID, "node-id", cfg.NodeID, "Unique member id (generated if empty)")
	f.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Data directory for raft storage")
	f.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "Peer gRPC address, also published in the view")
	f.StringVar(&cfg.RaftAddr, "raft-addr", cfg.RaftAddr, "Raft bind address")
	f.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP gateway address, empty disables it")
	f.BoolVar(&cfg.Bootstrap, "bootstrap", cfg.Bootstrap, "Bootstrap a new cluster")
	f.StringVar(&cfg.Peers, "peers", cfg.Peers, "Known members as id=grpc-addr, comma separated")

	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	f.BoolVar(&cfg.LogPretty, "log-pretty", cfg.LogPretty, "Human readable console logs")
	f.StringVar(&cfg.RaftLogLevel, "raft-log-level", cfg.RaftLogLevel, "Log level of the raft library")
	f.BoolVar(&cfg.TraceStdout, "trace-stdout", cfg.TraceStdout, "Print trace spans to stdout")

	f.DurationVar(&cfg.SessionTTL, "session-ttl", cfg.SessionTTL, "Membership session TTL")
	f.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Bound for one peer round trip")
	f.DurationVar(&cfg.RecoveryTimeout, "recovery-timeout", cfg.RecoveryTimeout, "Bound for grantor recovery replies")
	f.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "Lease expiry sweep interval")
	f.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Pause between lock retries")
	f.DurationVar(&cfg.ExpiryInterval, "expiry-interval", cfg.ExpiryInterval, "Session expiry check interval on the raft leader")
}
