// Command ivory-server runs the agent service behind the REST/WebSocket API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ivory/internal/agent/app"
	"ivory/internal/agent/ports"
	"ivory/internal/config"
	"ivory/internal/environment"
	"ivory/internal/eventbus"
	"ivory/internal/llm"
	"ivory/internal/observability"
	httpserver "ivory/internal/server/http"
	"ivory/internal/session"
	"ivory/internal/shared/logging"
	"ivory/internal/storage/filestore"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("error: ")+err.Error())
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "ivory-server",
		Short:         "Ivory coding-agent server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to ivory.yaml")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(sessionsCmd(&configPath))
	root.AddCommand(configCmd(&configPath))
	return root
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if key := os.Getenv("OPENAI_API_KEY"); cfg.Model.APIKey == "" && key != "" {
		cfg.Model.APIKey = key
	}
	return cfg, nil
}

func buildModel(cfg *config.Config, mock bool, logger logging.Logger) ports.ModelClient {
	if mock || cfg.Model.Provider == "mock" {
		logger.Info("Using mock model client")
		return llm.NewMockClient()
	}
	return llm.NewOpenAIClient(llm.Config{
		Model:   cfg.Model.Name,
		APIKey:  cfg.Model.APIKey,
		BaseURL: cfg.Model.BaseURL,
		Logger:  logger,
	})
}

func serveCmd(configPath *string) *cobra.Command {
	var mock bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return runServer(cfg, mock)
		},
	}
	cmd.Flags().BoolVar(&mock, "mock", false, "use the offline mock model client")
	return cmd
}

func runServer(cfg *config.Config, mock bool) error {
	logger := logging.NewComponentLogger("Server")

	store, err := filestore.New(cfg.Storage.Dir, logging.NewComponentLogger("Store"))
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	bus := eventbus.New(logging.NewComponentLogger("Bus"))
	model := buildModel(cfg, mock, logging.NewComponentLogger("LLM"))

	svc, err := app.NewService(model, store, bus, logging.NewComponentLogger("Service"), app.Options{
		DefaultAdapterKind: environment.Kind(cfg.Environment.DefaultKind),
		WorkingRoot:        cfg.Environment.WorkingRoot,
		ContainerImage:     cfg.Environment.ContainerImage,
		ContainerName:      cfg.Environment.ContainerName,
		SandboxBaseURL:     cfg.Environment.SandboxBaseURL,
		PermissionMode:     cfg.Agent.PermissionMode,
		PreApproved:        cfg.Agent.PreApprovedTools,
		MaxIterations:      cfg.Agent.MaxIterations,
		SystemPrompt:       cfg.Agent.SystemPrompt,
		Sessions: session.Config{
			MaxSessions:     cfg.Sessions.MaxSessions,
			SessionTimeout:  cfg.Sessions.SessionTimeout,
			CleanupInterval: cfg.Sessions.CleanupInterval,
			CleanupEnabled:  cfg.Sessions.CleanupEnabled,
		},
	})
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	defer svc.Close()

	metrics := observability.NewMetrics(func() int { return len(svc.Sessions()) })
	metrics.Bind(bus)
	defer metrics.Unbind()

	server := httpserver.New(svc, metrics, httpserver.Config{
		ListenAddr: cfg.Server.ListenAddr,
		EnableCORS: true,
	}, logger)

	fmt.Println(bold("ivory-server"), gray("listening on"), green(cfg.Server.ListenAddr))
	fmt.Println(gray("  model:       "), cfg.Model.Provider+"/"+cfg.Model.Name)
	fmt.Println(gray("  environment: "), cfg.Environment.DefaultKind)
	fmt.Println(gray("  permissions: "), cfg.Agent.PermissionMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(server.Start)
	group.Go(func() error {
		<-ctx.Done()
		fmt.Println(yellow("shutting down..."))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		return err
	}
	fmt.Println(green("stopped cleanly"))
	return nil
}

func sessionsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect persisted sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List persisted sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			store, err := filestore.New(cfg.Storage.Dir, nil)
			if err != nil {
				return err
			}
			summaries, err := store.ListSessions()
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println(gray("no persisted sessions in ") + cfg.Storage.Dir)
				return nil
			}
			for _, s := range summaries {
				name := s.Name
				if name == "" {
					name = gray("(unnamed)")
				}
				fmt.Printf("%s  %s  %s  %s\n",
					bold(s.ID), name,
					gray(s.UpdatedAt.Format("2006-01-02 15:04:05")),
					gray(fmt.Sprintf("%d messages", s.MessageCount)))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a persisted session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			store, err := filestore.New(cfg.Storage.Dir, nil)
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Println(green("deleted ") + args[0])
			return nil
		},
	})

	return cmd
}

func configCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			out, err := cfg.Dump()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	})
	return cmd
}
