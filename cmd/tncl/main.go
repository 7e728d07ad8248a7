package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tncl-dev/tncl/internal/engine"
	"github.com/tncl-dev/tncl/internal/log"
	"github.com/tncl-dev/tncl/internal/model"
	"github.com/tncl-dev/tncl/internal/service"
)

const configName = "tncl.yaml"

var (
	userConfigPath string // /default/config/path/tncl on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	logCloser      io.Closer

	flagBuildTag string
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "tncl")
}

func main() {
	// root flags, TNCL_CONFIG and TNCL_VERBOSE work too
	rootCmd.PersistentFlags().String("config", "", "Config file to load - default is "+configName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().Bool("verbose", false, "verbose logging")
	viper.SetEnvPrefix("TNCL")
	viper.AutomaticEnv()
	for _, key := range []string{"config", "verbose"} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(key)); err != nil {
			panic(err)
		}
	}

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initTncl

	buildCmd.Flags().StringVarP(&flagBuildTag, "tag", "t", "", "image tag, defaults to function.image")
	invokeCmd.Flags().StringVar(&flagInvokeName, "name", "", "function name, defaults to the image")
	invokeCmd.Flags().StringVar(&flagReadyTimeout, "ready-timeout", "", "time to wait for READY, e.g. 5s")
	invokeCmd.Flags().StringVar(&flagExecutionTimeout, "execution-timeout", "", "time to wait for a response, e.g. 30s")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(invokeCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if logCloser != nil {
		_ = logCloser.Close()
	}
	if err != nil {
		slog.Error("tncl failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "tncl",
	Short:        "Runs functions packaged as container images",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run command reads the configuration and invokes the function",
	Args:  cobra.NoArgs,
	RunE:  doRun,
}

var buildCmd = &cobra.Command{
	Use:   "build PATH",
	Short: "build an image of a function from the directory PATH",
	Args:  cobra.ExactArgs(1),
	RunE:  doBuild,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a tncl",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("tncl: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("tncl:   %s\n", info.Main.Version)
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

func doRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("tncl",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	supervisor, err := service.NewSupervisor(ctx, config)
	if err != nil {
		return err
	}
	return supervisor.Do(ctx)
}

func doBuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	tag := flagBuildTag
	if tag == "" {
		tag = config.Function.Image
	}
	attrs := slog.Group("tncl",
		slog.String("cmd", "build"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)
	return engineFromConfig(config.Engine).Build(ctx, args[0], tag)
}

func engineFromConfig(cfg model.Engine) engine.Engine {
	return engine.Engine{
		Type:   engine.Type(cfg.Type),
		Binary: cfg.Binary,
	}
}

func initTncl(_ *cobra.Command, _ []string) error {
	configPath = resolveConfigPath(viper.GetString("config"), userConfigPath, ".")

	var err error
	if configPath == "" {
		configPath = filepath.Join(userConfigPath, configName)
		config, err = storeDefaultConfig(configPath)
	} else {
		config, err = loadConfig(configPath)
	}
	if err != nil {
		return err
	}

	// --verbose has a precedence over config file
	if viper.GetBool("verbose") {
		config.Service.Verbose = true
	}

	logger, closer, err := log.New(config.Service.Verbose, config.Service.Log)
	if err != nil {
		return err
	}
	logCloser = closer
	slog.SetDefault(logger)

	slog.Debug("tncl run", "configPath", configPath)
	slog.Debug("tncl run", "config", config)
	return nil
}

// resolveConfigPath returns explicit if set, otherwise the first
// configName found in dirs. Empty result means no config exists.
func resolveConfigPath(explicit string, dirs ...string) string {
	if explicit != "" {
		return explicit
	}
	for _, d := range dirs {
		path := filepath.Join(d, configName)
		if exists(path) {
			return path
		}
	}
	return ""
}

func loadConfig(path string) (model.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error("invalid configuration", "detail", d)
		}
		return model.Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return *cfg, nil
}

func storeDefaultConfig(path string) (model.Config, error) {
	cfg := model.DefaultConfig()
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return cfg, fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return cfg, fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	err = enc.Encode(cfg)
	if err != nil {
		return cfg, fmt.Errorf("storing configuration: %w", err)
	}
	return cfg, enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
