package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/testhive/testhive/internal/log"
	"github.com/testhive/testhive/internal/model"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var (
	userConfigPath string // /default/config/path/testhive on given OS
	configPath     string // actual settings file used (if loaded)
	settings       *model.Settings

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag

	flagHostPath string
	flagHostArgs []string
	flagAdapters []string

	flagFilter    string
	flagBatchSize int

	flagParallel    bool
	flagMaxParallel int
	flagRunSettings string
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "testhive")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Settings file to load - default is testhive.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentFlags().StringVar(&flagHostPath, "host", "", "test host binary, overrides the settings file")
	rootCmd.PersistentFlags().StringArrayVar(&flagHostArgs, "host-arg", nil, "extra test host argument, may repeat, {port} expands to the session port")
	rootCmd.PersistentFlags().StringArrayVar(&flagAdapters, "adapter", nil, "test adapter path handed to every host, may repeat")

	discoverCmd.Flags().StringVar(&flagFilter, "filter", "", "test case filter expression")
	discoverCmd.Flags().IntVar(&flagBatchSize, "batch-size", 0, "discovered tests per progress chunk, 0 lets the host decide")

	runCmd.Flags().BoolVar(&flagParallel, "parallel", false, "run sources on a pool of test hosts")
	runCmd.Flags().IntVar(&flagMaxParallel, "max-parallel", 0, "pool size, 0 means number of processors")
	runCmd.Flags().StringVar(&flagRunSettings, "run-settings", "", "serialized run configuration passed through to hosts")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create settings, setup logging
	rootCmd.PersistentPreRunE = initTesthive

	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("testhive failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "testhive",
	Short:        "Tool orchestrating test discovery and execution across test host processes",
	SilenceUsage: true,
}

var discoverCmd = &cobra.Command{
	Use:   "discover [sources...]",
	Short: "discover lists the test cases found in the given sources",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doDiscover,
}

var runCmd = &cobra.Command{
	Use:   "run [sources...]",
	Short: "run executes the tests found in the given sources",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides version of a testhive",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("testhive: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:   %s\n", configPath)
		}
		fmt.Printf("testhive: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:     %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:    %s\n", s.Value)
			}
		}
	},
}

func initTesthive(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("TESTHIVECONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "testhive.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default settings
	if configPath == "" {
		settings = &model.Settings{}
		configPath = filepath.Join(userConfigPath, "testhive.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(map[string]any{"version": 0})
		if err != nil {
			return fmt.Errorf("storing settings: %w", err)
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening settings file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		settings, err = model.LoadSettings(f)
		if err != nil {
			for _, d := range model.SettingsErrDetails(err) {
				slog.Error(d)
			}
			return fmt.Errorf("parsing settings: %w", err)
		}
	}

	// initialize logging, --verbose has a precedence over settings
	slog.SetDefault(log.New(flagVerbose))

	slog.Debug("testhive run", "configPath", configPath)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
