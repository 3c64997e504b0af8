package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/CZERTAINLY/Warden/internal/log"
	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/service"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var (
	userConfigPath string // /default/config/path/warden on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	logCloser      io.Closer

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "warden")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is warden.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initWarden
	rootCmd.PersistentPostRun = func(*cobra.Command, []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(execCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		var exit exitCodeError
		if errors.As(err, &exit) {
			os.Exit(int(exit))
		}
		slog.Error("warden failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "warden",
	Short:        "Host monitoring agent executing plugins and local checks",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run command reads the configuration and serves agent output",
	RunE:  doRun,
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "collect runs all plugins once and prints the agent output",
	RunE:  doCollect,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a warden",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("warden: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("warden: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("warden",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)
	return service.Run(ctx, config, agentInfo())
}

func doCollect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("warden",
		slog.String("cmd", "collect"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)
	return service.Collect(ctx, config, agentInfo(), os.Stdout)
}

func agentInfo() service.Info {
	info := service.Info{ConfigFile: configPath, Version: "(devel)"}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.Version = bi.Main.Version
	}
	return info
}

func initWarden(cmd *cobra.Command, _ []string) error {
	// the controller runs a single command line, it needs no configuration
	if cmd == execCmd {
		return nil
	}

	if envConfig, ok := os.LookupEnv("WARDENCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, "warden.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(cmd.Context())
		configPath = filepath.Join(userConfigPath, "warden.yaml")
		if err := storeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		cfg, err := model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error(d)
			}
			return fmt.Errorf("parsing config: %w", err)
		}
		config = *cfg
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = &flagVerbose
	}

	// initialize logging
	w, closer, err := log.Output(model.Get(config.Service.Log))
	if err != nil {
		return err
	}
	logCloser = closer
	slog.SetDefault(log.New(model.Get(config.Service.Verbose), w))

	slog.Debug("warden run", "configPath", configPath)
	slog.Debug("warden run", "config", config)
	return nil
}

func storeConfig(path string, cfg model.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
