package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edge-robotics/knowbase/internal/config"
	"github.com/edge-robotics/knowbase/internal/httpapi"
	"github.com/edge-robotics/knowbase/internal/kb"
	"github.com/edge-robotics/knowbase/internal/store"
	"github.com/edge-robotics/knowbase/internal/transport"
	"github.com/edge-robotics/knowbase/pkg/database"
	"github.com/edge-robotics/knowbase/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kbserver",
		Short: "Minimalistic multi-model knowledge base server",
		Long:  `A knowledge base server for robotic applications: RDF-style triples in named models, pattern queries, RDFS reasoning, lifespaned statements and event subscriptions.`,
	}

	var (
		port      string
		adminPort string
		initOnto  string
		verbosity string
		failfast  bool
	)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the knowledge base server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbosity != "" {
				os.Setenv("LOG_LEVEL", verbosity)
			}
			if port != "" {
				os.Setenv("KB_PORT", port)
			}
			if adminPort != "" {
				os.Setenv("ADMIN_PORT", adminPort)
			}
			if initOnto != "" {
				os.Setenv("KB_INITIAL_ONTOLOGY", initOnto)
			}
			return serve(failfast)
		},
	}
	serveCmd.Flags().StringVarP(&port, "port", "p", "", "listening port for the knowledge base protocol")
	serveCmd.Flags().StringVar(&adminPort, "admin-port", "", "listening port for the admin HTTP surface")
	serveCmd.Flags().StringVarP(&initOnto, "ontology", "o", "", "ontology file to load at startup")
	serveCmd.Flags().StringVarP(&verbosity, "verbosity", "v", "", "log verbosity (debug|info|warn|error)")
	serveCmd.Flags().BoolVar(&failfast, "failfast", false, "exit on the first worker error instead of continuing")

	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(failfast bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewDB(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	if err := db.InitSchema(); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}

	repo := store.NewRepository(db.Conn)
	st := store.New(repo)
	knowledgeBase := kb.New(st, cfg.Reasoner.TickRate, cfg.Lifespan.TickRate)
	knowledgeBase.Failfast = failfast

	if cfg.Ontology.BundledDir != "" {
		if _, statErr := os.Stat(cfg.Ontology.BundledDir); statErr == nil {
			triples, err := knowledgeBase.Ontology.LoadDir(cfg.Ontology.BundledDir)
			if err != nil {
				return fmt.Errorf("load bundled ontologies: %w", err)
			}
			if err := knowledgeBase.Revise(triples, kb.RevisionPolicy{Method: "add", Models: []string{store.DefaultModel}}); err != nil {
				return fmt.Errorf("add bundled ontologies: %w", err)
			}
		}
	}
	if cfg.Ontology.InitialFile != "" {
		if _, err := knowledgeBase.Dispatch("load", []any{cfg.Ontology.InitialFile}); err != nil {
			return fmt.Errorf("load initial ontology: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	knowledgeBase.Start(ctx)

	kbServer := transport.NewServer(knowledgeBase, ":"+cfg.Transport.Port)
	go func() {
		if err := kbServer.Serve(ctx); err != nil {
			logger.Fatalf("Knowledge base server failed: %v", err)
		}
	}()

	adminServer := &http.Server{
		Addr:         ":" + cfg.Admin.Port,
		Handler:      httpapi.NewHandler(knowledgeBase).Router(),
		ReadTimeout:  cfg.Admin.ReadTimeout,
		WriteTimeout: cfg.Admin.WriteTimeout,
		IdleTimeout:  cfg.Admin.IdleTimeout,
	}
	go func() {
		logger.Infof("Admin surface started on port %s", cfg.Admin.Port)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start admin server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Server shutting down...")
	cancel()
	knowledgeBase.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server forced to shutdown: %w", err)
	}

	logger.Info("Server exited")
	return nil
}
