package main

import (
	"fmt"
	"os"

	"msgbak-go/internal/config"
	"msgbak-go/internal/database"
	"msgbak-go/internal/media"
	"msgbak-go/internal/services"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// app holds the services shared by every command.
type app struct {
	cfg           *config.Config
	log           *zap.Logger
	db            *gorm.DB
	conversations *services.ConversationService
	imports       *services.ImportService
	exports       *services.ExportService
	merges        *services.MergeService
	maintenance   *services.MaintenanceService
}

// session owns the app opened by the command being run. main closes it
// after Execute returns, whether or not the command failed.
type session struct {
	app *app
}

// Close releases the database and flushes the logger. It is safe to call
// more than once.
func (s *session) Close() error {
	a := s.app
	s.app = nil
	return a.close()
}

func newRootCmd() (*cobra.Command, *session) {
	v := viper.New()

	root := &cobra.Command{
		Use:           "msgbak",
		Short:         "Import, deduplicate and re-export SMS/MMS phone backups",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("project", "", "project folder holding the database and media store")
	flags.String("config", "", "config file (yaml, json or toml)")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("country-code", "", "country code used for number canonicalization")
	v.BindPFlag("project.root", flags.Lookup("project"))
	v.BindPFlag("config", flags.Lookup("config"))
	v.BindPFlag("logging.level", flags.Lookup("log-level"))
	v.BindPFlag("phone.country_code", flags.Lookup("country-code"))

	s := &session{}
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		a, err := openApp(v)
		if err != nil {
			return err
		}
		s.app = a
		return nil
	}

	current := func() *app { return s.app }
	root.AddCommand(
		newImportCmd(current),
		newExportCmd(current),
		newConversationsCmd(current),
		newMessagesCmd(current),
		newSearchCmd(current),
		newBackfillCmd(current),
		newMergeCmd(current),
		newSuggestCmd(current),
		newRepairCmd(current),
	)
	return root, s
}

// openApp loads configuration and wires the database, media store and
// services.
func openApp(v *viper.Viper) (*app, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}

	logger, err := initLogger(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	db, err := database.Open(cfg, logger)
	if err != nil {
		logger.Sync()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	store, err := media.NewStore(cfg.Media, logger)
	if err != nil {
		database.Close(db)
		logger.Sync()
		return nil, fmt.Errorf("failed to initialize media store: %w", err)
	}

	conversations := services.NewConversationService(cfg, db, logger)
	return &app{
		cfg:           cfg,
		log:           logger,
		db:            db,
		conversations: conversations,
		imports:       services.NewImportService(cfg, db, store, conversations, logger),
		exports:       services.NewExportService(cfg, db, store, logger),
		merges:        services.NewMergeService(cfg, db, conversations, logger),
		maintenance:   services.NewMaintenanceService(cfg, db, conversations, logger),
	}, nil
}

func (a *app) close() error {
	if a == nil {
		return nil
	}
	defer a.log.Sync()
	return database.Close(a.db)
}

// initLogger builds a development logger writing to stderr at level.
func initLogger(level string) (*zap.Logger, error) {
	config := zap.NewDevelopmentConfig()
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}

	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		config.Level = lvl
	}

	return config.Build()
}

// progressPrinter writes advisory progress text to stderr.
func progressPrinter(msg string) {
	fmt.Fprintln(os.Stderr, msg)
}
