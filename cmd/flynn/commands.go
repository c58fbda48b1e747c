package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/seancwalsh/flynn/internal/auth"
	"github.com/seancwalsh/flynn/internal/backup"
	"github.com/seancwalsh/flynn/internal/config"
	"github.com/seancwalsh/flynn/internal/detection"
	"github.com/seancwalsh/flynn/internal/event"
	"github.com/seancwalsh/flynn/internal/notify"
	"github.com/seancwalsh/flynn/internal/registry"
	"github.com/seancwalsh/flynn/internal/seed"
	"github.com/seancwalsh/flynn/internal/store"
	"github.com/seancwalsh/flynn/internal/version"
	"github.com/seancwalsh/flynn/pkg/plugin"
	"github.com/seancwalsh/flynn/pkg/usage"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// runtime is the wired application shared by every subcommand: config,
// logger, database and initialized (not started) plugins.
type runtime struct {
	viper     *viper.Viper
	logger    *zap.Logger
	level     zap.AtomicLevel
	db        *store.SQLiteStore
	reg       *registry.Registry
	detection *detection.Module
}

func bootstrap(configPath string) (*runtime, error) {
	// Load configuration before the logger so log level/format can be configured.
	v, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logger, level, err := config.NewReloadableLogger(v)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	if f := v.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded", zap.String("component", "config"), zap.String("source", f))
	} else {
		logger.Warn("no configuration file found, using defaults", zap.String("component", "config"))
	}

	dbPath := v.GetString("database.path")
	db, err := store.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	rt := &runtime{viper: v, logger: logger, level: level, db: db}

	ctx := context.Background()
	if err := db.CheckVersion(ctx, version.Short()); err != nil {
		rt.Close()
		return nil, err
	}
	logger.Info("database initialized", zap.String("component", "database"), zap.String("path", dbPath))

	bus := event.NewBus(logger.Named("event"))
	reg := registry.New(logger.Named("registry"))
	rt.reg = reg
	rt.detection = detection.New()

	// Compile-time composition.
	for _, p := range []plugin.Plugin{rt.detection, notify.New()} {
		if err := reg.Register(p); err != nil {
			rt.Close()
			return nil, err
		}
	}
	if err := reg.Validate(); err != nil {
		rt.Close()
		return nil, fmt.Errorf("plugin validation: %w", err)
	}

	cfg := config.New(v)
	if err := reg.InitAll(ctx, func(name string) plugin.Dependencies {
		return plugin.Dependencies{
			Config:  cfg.Sub("plugins." + name),
			Logger:  logger.Named(name),
			Store:   db,
			Bus:     bus,
			Plugins: reg,
		}
	}); err != nil {
		rt.Close()
		return nil, fmt.Errorf("initialize plugins: %w", err)
	}
	return rt, nil
}

// Close releases the database and flushes the logger.
func (rt *runtime) Close() {
	if err := rt.db.Close(); err != nil {
		rt.logger.Warn("close database", zap.Error(err))
	}
	_ = rt.logger.Sync()
}

// runDetect runs one detection pass and prints its JobResult as JSON.
func runDetect(args []string) error {
	fs := flag.NewFlagSet("detect", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to configuration file")
	date := fs.String("date", "", "day to scan (YYYY-MM-DD); default yesterday UTC")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var opts detection.RunOptions
	if *date != "" {
		d, err := time.Parse(usage.DateLayout, *date)
		if err != nil {
			return fmt.Errorf("invalid -date %q: %w", *date, err)
		}
		opts.Date = d
	}

	rt, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.detection.Run(context.Background(), opts)
	if err != nil {
		return fmt.Errorf("detection run: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// runSeed writes demo children, snapshots and baselines.
func runSeed(args []string) error {
	def := seed.DefaultOptions()
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to configuration file")
	children := fs.Int("children", def.Children, "number of demo children")
	days := fs.Int("days", def.Days, "history days per child")
	randSeed := fs.Uint64("seed", def.Seed, "random seed")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rt, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	defer rt.Close()

	sum, err := seed.Demo(context.Background(), rt.detection.Store(), seed.Options{
		Children: *children,
		Days:     *days,
		Seed:     *randSeed,
	})
	if err != nil {
		return err
	}
	rt.logger.Info("demo data seeded",
		zap.Strings("children", sum.Children),
		zap.Int("snapshots", sum.Snapshots),
		zap.Int("baselines", sum.Baselines),
		zap.String("detection_date", sum.End.Format(usage.DateLayout)),
	)
	return nil
}

// runToken prints a signed access token for a user. It needs
// auth.jwt_secret and does not open the database.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to configuration file")
	user := fs.String("user", "", "user id")
	role := fs.String("role", string(auth.RoleCaregiver), "caregiver, therapist or admin")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !auth.Role(*role).Valid() {
		return fmt.Errorf("unknown role %q", *role)
	}
	v, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	secret := v.GetString("auth.jwt_secret")
	if secret == "" {
		return errors.New("auth.jwt_secret is not set")
	}

	tokens := auth.NewTokenService([]byte(secret), v.GetDuration("auth.access_token_ttl"))
	token, err := tokens.IssueAccessToken(*user, auth.Role(*role))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// runBackup archives the configured database and config file.
func runBackup(args []string) error {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to configuration file")
	out := fs.String("out", "", "archive to write (default flynn-backup-<timestamp>.tar.gz)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	v, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	dbPath := v.GetString("database.path")
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("database file not found: %s", dbPath)
	}
	db, err := store.New(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	archive := *out
	if archive == "" {
		archive = fmt.Sprintf("flynn-backup-%s.tar.gz", time.Now().UTC().Format("20060102-150405"))
	}
	m, err := backup.Backup(context.Background(), db.DB(), v.ConfigFileUsed(), archive)
	if err != nil {
		return err
	}
	fmt.Printf("wrote %s (version %s, %d files)\n", archive, m.Version, len(m.Files))
	return nil
}

// runRestore extracts a backup archive into a directory.
func runRestore(args []string) error {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	in := fs.String("in", "", "archive to restore")
	dir := fs.String("dir", ".", "directory to restore into")
	force := fs.Bool("force", false, "overwrite existing files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return errors.New("restore needs -in")
	}

	m, err := backup.Restore(context.Background(), *in, *dir, *force)
	if err != nil {
		return err
	}
	fmt.Printf("restored %d files from version %s backup taken %s\n",
		len(m.Files), m.Version, m.CreatedAt.Format(time.RFC3339))
	return nil
}
