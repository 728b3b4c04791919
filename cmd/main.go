package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"power-arbiter/internal/arbiter"
	"power-arbiter/internal/config"
	"power-arbiter/internal/logging"
	"power-arbiter/internal/scenario"
	"power-arbiter/internal/telemetry"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const Version = "1.0.0"

func loadEnvironment() {
	logger := logging.GetLogger()

	// Try to load .env file from current directory
	envFile := ".env"
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
		} else {
			logger.WithField("file", envFile).Debug("Loaded environment variables")
		}
	} else {
		// Try to load from the application directory
		if execPath, err := os.Executable(); err == nil {
			appDir := filepath.Dir(execPath)
			envFile = filepath.Join(appDir, ".env")
			if _, err := os.Stat(envFile); err == nil {
				if err := godotenv.Load(envFile); err != nil {
					logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
				} else {
					logger.WithField("file", envFile).Debug("Loaded environment variables")
				}
			}
		}
	}
}

func main() {
	logger := logging.GetLogger()

	loadEnvironment()

	var platformFile string
	var scenarioFile string
	var spoolDir string
	var disableOffMode bool
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "power-arbiter",
		Short: "Power and performance constraint arbitration tool",
		Long:  "Arbitrates minimum throughput, clock-rate and operating-point constraints from concurrent drivers and replays scripted constraint scenarios",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel != "" {
				if err := logging.SetLogLevel(logLevel); err != nil {
					return fmt.Errorf("invalid log level: %w", err)
				}
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (trace, debug, info, warn, error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a constraint scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(platformFile, scenarioFile, spoolDir, disableOffMode)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate platform and scenario configurations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfigs(platformFile, scenarioFile)
		},
	}

	runCmd.Flags().StringVarP(&platformFile, "platform", "p", "", "Path to platform configuration file")
	runCmd.Flags().StringVarP(&scenarioFile, "scenario", "s", "", "Path to scenario configuration file")
	runCmd.Flags().StringVar(&spoolDir, "spool-dir", "", "Directory for local run artifacts (defaults to POWER_ARBITER_SPOOL_DIR or ./spool)")
	runCmd.Flags().BoolVar(&disableOffMode, "disable-off-mode", false, "Keep power domains from entering off mode (suppresses context-loss counting)")
	runCmd.MarkFlagRequired("platform")
	runCmd.MarkFlagRequired("scenario")

	validateCmd.Flags().StringVarP(&platformFile, "platform", "p", "", "Path to platform configuration file")
	validateCmd.Flags().StringVarP(&scenarioFile, "scenario", "s", "", "Path to scenario configuration file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.WithError(err).Fatal("Command execution failed")
	}
}

func validateConfigs(platformFile, scenarioFile string) error {
	logger := logging.GetLogger()

	if platformFile == "" && scenarioFile == "" {
		return fmt.Errorf("nothing to validate, pass --platform and/or --scenario")
	}

	if platformFile != "" {
		if _, err := config.LoadPlatform(platformFile); err != nil {
			logger.WithField("platform_file", platformFile).WithError(err).Error("Platform configuration validation failed")
			return err
		}
		logger.WithField("platform_file", platformFile).Info("Platform configuration is valid")
	}

	if scenarioFile != "" {
		if _, err := config.LoadScenario(scenarioFile); err != nil {
			logger.WithField("scenario_file", scenarioFile).WithError(err).Error("Scenario configuration validation failed")
			return err
		}
		logger.WithField("scenario_file", scenarioFile).Info("Scenario configuration is valid")
	}

	return nil
}

func runScenario(platformFile, scenarioFile, spoolDir string, disableOffMode bool) error {
	logger := logging.GetLogger()

	platform, platformContent, err := config.LoadPlatformWithContent(platformFile)
	if err != nil {
		logger.WithField("platform_file", platformFile).WithError(err).Error("Failed to load platform configuration")
		return fmt.Errorf("failed to load platform config: %w", err)
	}

	scenarioCfg, scenarioContent, err := config.LoadScenarioWithContent(scenarioFile)
	if err != nil {
		logger.WithField("scenario_file", scenarioFile).WithError(err).Error("Failed to load scenario configuration")
		return fmt.Errorf("failed to load scenario config: %w", err)
	}

	// Set log levels from configuration
	if platform.Platform.LogLevel != "" {
		if err := logging.SetLogLevel(platform.Platform.LogLevel); err != nil {
			logger.WithField("log_level", platform.Platform.LogLevel).WithError(err).Warn("Invalid log level in platform config, using INFO")
			logging.SetLogLevel("info")
		}
	}
	if scenarioCfg.Scenario.LogLevel != "" {
		if err := logging.SetTransitionLogLevel(scenarioCfg.Scenario.LogLevel); err != nil {
			logger.WithField("transition_log_level", scenarioCfg.Scenario.LogLevel).WithError(err).Warn("Invalid transition log level in scenario config")
		}
	}

	arbCfg, err := buildArbiterConfig(platform)
	if err != nil {
		return err
	}

	backend := newLoggingBackend()
	arb, err := arbiter.New(arbCfg, backend)
	if err != nil {
		logger.WithError(err).Error("Failed to create arbiter")
		return fmt.Errorf("failed to create arbiter: %w", err)
	}

	if err := arb.Initialize(); err != nil {
		logger.WithError(err).Error("Failed to initialize arbiter")
		return fmt.Errorf("failed to initialize arbiter: %w", err)
	}

	if disableOffMode {
		arb.DisableOffMode()
		logger.Info("Off mode disabled, context losses will not be counted")
	}

	// Connect to the telemetry database when the platform configures one;
	// without it, results still land in the local spool.
	var dbClient *telemetry.InfluxDBClient
	runID := 1
	if platform.Platform.Telemetry.DB.Enabled() {
		dbClient, err = telemetry.NewInfluxDBClient(platform.Platform.Telemetry.DB)
		if err != nil {
			logger.WithError(err).Error("Failed to create telemetry client")
			return fmt.Errorf("failed to create telemetry client: %w", err)
		}
		defer dbClient.Close()

		lastID, err := dbClient.GetLastRunID()
		if err != nil {
			logger.WithError(err).Error("Failed to get last run ID")
			return fmt.Errorf("failed to get last run ID: %w", err)
		}
		runID = lastID + 1
	} else {
		logger.Info("No telemetry database configured, writing results to local spool only")
	}

	logger.WithFields(logrus.Fields{
		"run_id":   runID,
		"platform": platform.Platform.Name,
		"scenario": scenarioCfg.Scenario.Name,
	}).Info("Starting scenario run")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received interrupt signal, shutting down")
		cancel()
	}()

	result, runErr := scenario.NewRunner(arb, scenarioCfg).Run(ctx)
	if result == nil {
		return fmt.Errorf("scenario run produced no result: %w", runErr)
	}

	metadata := buildRunMetadata(runID, platform, scenarioCfg, platformFile, result)

	if err := writeResults(dbClient, spoolDir, runID, platform, scenarioCfg,
		platformContent, scenarioContent, metadata, result); err != nil {
		return err
	}

	if runErr != nil {
		return fmt.Errorf("scenario run interrupted: %w", runErr)
	}
	if len(result.StepErrors) > 0 {
		logger.WithField("step_errors", len(result.StepErrors)).Warn("Scenario finished with failed steps")
	}

	logger.WithFields(logrus.Fields{
		"run_id":      runID,
		"transitions": len(result.Transitions),
		"duration":    result.EndTime.Sub(result.StartTime).Round(time.Millisecond).String(),
	}).Info("Scenario run completed")
	return nil
}

func buildArbiterConfig(platform *config.PlatformConfig) (arbiter.Config, error) {
	logger := logging.GetLogger()

	mpuTable, err := platform.BuildMPUTable()
	if err != nil {
		logger.WithError(err).Error("Failed to build MPU table")
		return arbiter.Config{}, err
	}
	dspTable, err := platform.BuildDSPTable()
	if err != nil {
		logger.WithError(err).Error("Failed to build DSP table")
		return arbiter.Config{}, err
	}
	clockTables, err := platform.BuildClockTables()
	if err != nil {
		logger.WithError(err).Error("Failed to build clock tables")
		return arbiter.Config{}, err
	}

	return arbiter.Config{
		CPUTable:            mpuTable,
		DSPTable:            dspTable,
		ClockTables:         clockTables,
		SharedVoltageDomain: platform.Platform.SharedVoltageDomain,
	}, nil
}

func buildRunMetadata(runID int, platform *config.PlatformConfig, scenarioCfg *config.ScenarioConfig, platformFile string, result *scenario.Result) *telemetry.RunMetadata {
	sysInfo := telemetry.CollectSystemInfo()
	return &telemetry.RunMetadata{
		RunID:            runID,
		ScenarioName:     scenarioCfg.Scenario.Name,
		Description:      scenarioCfg.Scenario.Description,
		PlatformName:     platform.Platform.Name,
		DurationSeconds:  int64(result.EndTime.Sub(result.StartTime).Seconds()),
		RunStarted:       result.StartTime.Format(time.RFC3339),
		RunFinished:      result.EndTime.Format(time.RFC3339),
		TotalDrivers:     len(scenarioCfg.Drivers),
		TotalTransitions: len(result.Transitions),
		ArbiterVersion:   Version,
		Hostname:         sysInfo.Hostname,
		OSInfo:           sysInfo.OSInfo,
		KernelVersion:    sysInfo.KernelVersion,
		ConfigFile:       platformFile,
	}
}

// writeResults delivers the run to the telemetry database, falling back to
// the local spool when no database is configured or a write fails.
func writeResults(
	dbClient *telemetry.InfluxDBClient,
	spoolDir string,
	runID int,
	platform *config.PlatformConfig,
	scenarioCfg *config.ScenarioConfig,
	platformContent, scenarioContent string,
	metadata *telemetry.RunMetadata,
	result *scenario.Result,
) error {
	logger := logging.GetLogger()

	if dbClient != nil {
		err := dbClient.WriteTransitions(runID, scenarioCfg.Scenario.Name, platform.Platform.Name, result.Transitions)
		if err == nil {
			err = dbClient.WriteContextLossCounts(runID, scenarioCfg.Scenario.Name, result.LossCounts, result.EndTime)
		}
		if err == nil {
			err = dbClient.WriteMetadata(metadata)
		}
		if err == nil {
			logger.WithField("run_id", runID).Info("Run results written to telemetry database")
			return nil
		}
		logger.WithError(err).Warn("Telemetry write failed, spooling run results locally")
	}

	if spoolDir == "" {
		spoolDir = telemetry.DefaultSpoolDir()
	}
	artifact := telemetry.BuildSpoolArtifact(
		runID,
		scenarioCfg.Scenario.Name,
		platform.Platform.Name,
		platformContent,
		scenarioContent,
		result.Transitions,
		result.DomainStates,
		result.LossCounts,
		metadata,
		result.StepErrors,
		result.StartTime,
		result.EndTime,
	)
	path, err := telemetry.WriteSpoolArtifact(spoolDir, artifact)
	if err != nil {
		logger.WithError(err).Error("Failed to write spool artifact")
		return fmt.Errorf("failed to write spool artifact: %w", err)
	}
	logger.WithField("spool_file", path).Info("Run results spooled locally")
	return nil
}
