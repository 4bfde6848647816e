package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pagemark-labs/pagemark/internal/auth"
	"github.com/pagemark-labs/pagemark/internal/config"
	"github.com/pagemark-labs/pagemark/internal/library"
	"github.com/pagemark-labs/pagemark/internal/logging"
	"github.com/pagemark-labs/pagemark/internal/netstate"
	"github.com/pagemark-labs/pagemark/internal/replica"
	"github.com/pagemark-labs/pagemark/internal/transport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pagemark-sync",
		Short: "Pagemark reading progress sync client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newRegisterCommand(),
		newPushCommand(),
		newPullCommand(),
		newStatusCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", defaults.GetString("server.url"), "Sync server base URL")
	cmd.PersistentFlags().String("username", defaults.GetString("sync.username"), "Sync account username")
	cmd.PersistentFlags().String("password", defaults.GetString("sync.password"), "Sync account password")
	cmd.PersistentFlags().String("library-path", defaults.GetString("library.path"), "Library database path")
	cmd.PersistentFlags().String("device-name", defaults.GetString("device.name"), "Device name reported with progress")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "sync.username", "username")
	bindFlag(cmd, "sync.password", "password")
	bindFlag(cmd, "library.path", "library-path")
	bindFlag(cmd, "device.name", "device-name")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// consoleNotifier surfaces sync messages on stdout and asks yes/no questions
// on stdin, standing in for a reader UI.
type consoleNotifier struct{}

func (consoleNotifier) Notify(message string) {
	fmt.Println(message)
}

func (consoleNotifier) Confirm(message string) (bool, error) {
	fmt.Printf("%s [y/N]: ", message)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

type session struct {
	client    *transport.Client
	store     *library.Store
	logger    *zap.Logger
	cfg       config.ClientConfig
	closeFunc func()
}

func openSession(requireCredentials bool) (*session, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(clientConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	var credentials auth.Credentials
	if requireCredentials {
		credentials, err = auth.NewCredentials(clientConfig.Username, clientConfig.Password)
		if err != nil {
			return nil, err
		}
	}

	client, err := transport.NewClient(transport.ClientConfig{
		BaseURL:     clientConfig.ServerURL,
		Credentials: credentials,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	db, err := library.Open(clientConfig.LibraryPath, logger)
	if err != nil {
		return nil, err
	}
	store, err := library.NewStore(library.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	closeFunc := func() {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			sqlDB.Close()
		}
		logger.Sync() //nolint:errcheck
	}

	return &session{
		client:    client,
		store:     store,
		logger:    logger,
		cfg:       clientConfig,
		closeFunc: closeFunc,
	}, nil
}

func (s *session) scheduler(ctx context.Context, document string) (*replica.Scheduler, error) {
	// A one-shot CLI run has no connectivity events to observe; probe once
	// and hand the result to the scheduler so offline pushes queue instead
	// of dialing a dead server.
	online := s.client.Healthcheck(ctx) == nil
	return replica.NewScheduler(replica.Config{
		Document:     document,
		DeviceName:   s.cfg.DeviceName,
		Transport:    s.client,
		Store:        s.store,
		Settings:     s.store,
		Notifier:     consoleNotifier{},
		Connectivity: netstate.NewMonitor(online, s.logger),
		Logger:       s.logger,
	})
}

func newRegisterCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Create the configured account on the sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(true)
			if err != nil {
				return err
			}
			defer sess.closeFunc()

			if err := sess.client.Register(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("Registered %s.\n", sess.cfg.Username)
			return nil
		},
	}
}

func newPushCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "push <document-digest>",
		Short: "Upload local annotations and reading position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), args[0], func(ctx context.Context, scheduler *replica.Scheduler) error {
				return scheduler.PushNow(ctx)
			})
		},
	}
}

func newPullCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pull <document-digest>",
		Short: "Merge remote annotations and reading position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), args[0], func(ctx context.Context, scheduler *replica.Scheduler) error {
				return scheduler.PullNow(ctx)
			})
		},
	}
}

func runSync(ctx context.Context, document string, operation func(context.Context, *replica.Scheduler) error) error {
	sess, err := openSession(true)
	if err != nil {
		return err
	}
	defer sess.closeFunc()

	scheduler, err := sess.scheduler(ctx, document)
	if err != nil {
		return err
	}
	if err := scheduler.DocumentOpened(ctx); err != nil {
		return err
	}
	defer scheduler.DocumentClosed(ctx)

	return operation(ctx, scheduler)
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [document-digest]",
		Short: "Show device identity, server health and per-document sync state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(false)
			if err != nil {
				return err
			}
			defer sess.closeFunc()
			ctx := cmd.Context()

			deviceID, err := sess.store.DeviceID(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Device:  %s (%s)\n", sess.cfg.DeviceName, deviceID)
			fmt.Printf("Server:  %s\n", sess.cfg.ServerURL)

			if err := sess.client.Healthcheck(ctx); err != nil {
				fmt.Printf("Health:  unreachable (%v)\n", err)
			} else {
				fmt.Println("Health:  OK")
			}

			if len(args) == 1 {
				state, err := sess.store.SyncState(ctx, args[0])
				if err != nil {
					return err
				}
				position, percentage, err := sess.store.Position(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Document %s:\n", args[0])
				fmt.Printf("  version:            %d\n", state.Version)
				fmt.Printf("  pending deletions:  %d\n", len(state.Tombstones))
				if position != "" {
					fmt.Printf("  position:           %s (%.1f%%)\n", position, percentage*100)
				}
			}
			return nil
		},
	}
}
