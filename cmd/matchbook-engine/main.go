package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"matchbook/engine/internal/appdirs"
	"matchbook/engine/internal/engine"
	"matchbook/engine/internal/envfile"
	"matchbook/engine/internal/envutil"
	"matchbook/engine/internal/logging"
	"matchbook/engine/internal/rpc"
)

func main() {
	root := &cobra.Command{
		Use:           "matchbook-engine",
		Short:         "Conversational match recipe engine, speaking JSON-RPC over stdio",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the engine on stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the engine version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("matchbook-engine %s (api %s)\n", engine.Version, engine.APIVersion)
		},
	})
	if err := root.Execute(); err != nil {
		log.Fatalf("matchbook-engine: %v", err)
	}
}

func serve() error {
	envResult := envfile.Load()
	debug := envutil.Bool("MATCHBOOK_DEBUG")
	dataDir, err := appdirs.DataDir()
	if err != nil {
		return fmt.Errorf("engine init failed: %w", err)
	}
	logSetup, logErr := logging.NewFileLogger(dataDir, debug)
	logger := logSetup.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.With("component", "engine")
	if logSetup.Enabled {
		logger.Info("engine.logging_enabled", "path", logSetup.Path)
	}
	if envResult.Loaded {
		logger.Debug("engine.env_loaded", "path", envResult.Path, "keys", envResult.Keys)
	}
	if envResult.Err != nil {
		logger.Warn("engine.env_load_failed", "path", envResult.Path, "error", envResult.Err.Error())
	}
	if logErr != nil {
		logger.Warn("engine.log_setup_failed", "error", logErr.Error())
	}
	if logSetup.Close != nil {
		defer logSetup.Close()
	}

	eng, err := engine.New(engine.WithLogger(logger))
	if err != nil {
		logger.Error("engine.init_failed", "error", err.Error())
		return fmt.Errorf("engine init failed: %w", err)
	}
	defer func() { _ = eng.Close() }()

	server := rpc.NewServer(engine.APIVersion, os.Stdin, os.Stdout, logger)

	server.Register("EngineGetInfo", eng.EngineGetInfo)

	server.Register("ProvidersGetStatus", eng.ProvidersGetStatus)
	server.Register("ProvidersSetApiKey", eng.ProvidersSetApiKey)
	server.Register("ProvidersClearApiKey", eng.ProvidersClearApiKey)
	server.Register("ProvidersValidate", eng.ProvidersValidate)

	server.Register("SessionCreate", eng.SessionCreate)
	server.Register("SessionGet", eng.SessionGet)
	server.Register("SessionList", eng.SessionList)
	server.Register("SessionGetConversation", eng.SessionGetConversation)
	server.Register("SessionSendUserMessage", eng.SessionSendUserMessage)
	server.Register("SessionConfirmPair", eng.SessionConfirmPair)
	server.Register("SessionApproveValidation", eng.SessionApproveValidation)
	server.Register("SessionRegisterUpload", eng.SessionRegisterUpload)

	if err := server.Serve(context.Background()); err != nil {
		logger.Error("rpc.server_error", "error", err.Error())
		return fmt.Errorf("rpc server error: %w", err)
	}
	return nil
}
