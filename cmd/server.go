// SPDX-FileCopyrightText: (C) 2025 Open PKI Project
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/open-pki/go-cmp-server/api/handlers"
	"github.com/open-pki/go-cmp-server/cmp"
	"github.com/open-pki/go-cmp-server/internal/ca"
)

var serverConfig CMPServerConfig

// serverCmd represents the CA server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Serve the CA side of the protocol",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmdLoadConfig(cmd); err != nil {
			return err
		}
		return serverCmdLoadConfig()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := serverConfig.DB.getState()
		if err != nil {
			return err
		}
		caCert, caKey, err := serverConfig.CA.load()
		if err != nil {
			return err
		}
		authority := ca.New(caCert, caKey, state)
		ident := cmp.Identity{Cert: caCert, Key: caKey}

		mux := http.NewServeMux()
		mux.Handle("/pkix/cmp", handlers.NewCMPHandler(authority, ident))
		mux.HandleFunc("/api/v1/users", handlers.UsersHandler(state))
		mux.HandleFunc("/health", handlers.HealthHandler)

		srv := NewCMPServer(serverConfig.HTTP.ListenAddress(), mux, &serverConfig.HTTP)
		return srv.Start()
	},
}

func serverCmdInit() {
	serverCmd.Flags().String("http.ip", "127.0.0.1", "IP address to listen on")
	serverCmd.Flags().String("http.port", "8080", "Port to listen on")
	serverCmd.Flags().String("db.type", "sqlite", "Database type (sqlite or postgres)")
	serverCmd.Flags().String("db.dsn", "", "Database DSN")
	serverCmd.Flags().String("ca.cert", "", "Path to the CA certificate")
	serverCmd.Flags().String("ca.key", "", "Path to the CA private key")
	rootCmd.AddCommand(serverCmd)
}

func init() {
	serverCmdInit()
}

func serverCmdLoadConfig() error {
	if err := unmarshalConfig(&serverConfig); err != nil {
		return err
	}
	switch serverConfig.Log.Level {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "warn":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	}
	return serverConfig.HTTP.validate()
}

// CMPServer represents the HTTP server
type CMPServer struct {
	addr    string
	handler http.Handler
	http    *HTTPConfig
}

// NewCMPServer creates a new server
func NewCMPServer(addr string, handler http.Handler, httpConfig *HTTPConfig) *CMPServer {
	return &CMPServer{addr: addr, handler: handler, http: httpConfig}
}

// Start starts the HTTP server
func (s *CMPServer) Start() error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 3 * time.Second,
	}

	// Channel to listen for interrupt or terminate signals
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Goroutine to listen for signals and gracefully shut down the server
	go func() {
		<-stop
		slog.Debug("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Debug("Server forced to shutdown:", "err", err)
		}
	}()

	// Listen and serve
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	defer func() { _ = lis.Close() }()
	slog.Info("Listening", "local", lis.Addr().String())

	if s.http.UseTLS() {
		preferredCipherSuites := []uint16{
			tls.TLS_AES_256_GCM_SHA384,                  // TLS v1.3
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,   // TLS v1.2
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384, // TLS v1.2
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256, // TLS v1.2
		}

		if s.http.CertPath != "" && s.http.KeyPath != "" {
			srv.TLSConfig = &tls.Config{
				MinVersion:   tls.VersionTLS12,
				CipherSuites: preferredCipherSuites,
			}
			return srv.ServeTLS(lis, s.http.CertPath, s.http.KeyPath)
		}
		return fmt.Errorf("no TLS cert or key provided")
	}
	return srv.Serve(lis)
}
