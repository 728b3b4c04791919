package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"power-arbiter/internal/logging"

	"gopkg.in/yaml.v3"
)

func LoadPlatform(filepath string) (*PlatformConfig, error) {
	config, _, err := LoadPlatformWithContent(filepath)
	return config, err
}

// LoadPlatformWithContent also returns the raw file content, which the
// telemetry spool embeds for reproducibility.
func LoadPlatformWithContent(filepath string) (*PlatformConfig, string, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to read platform config")
		return nil, "", err
	}

	originalContent := string(data)
	expanded := expandEnvVars(originalContent)

	var config PlatformConfig
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to parse platform config")
		return nil, "", err
	}

	if err := validatePlatform(&config); err != nil {
		return nil, "", fmt.Errorf("invalid platform config: %w", err)
	}

	return &config, originalContent, nil
}

func LoadScenario(filepath string) (*ScenarioConfig, error) {
	config, _, err := LoadScenarioWithContent(filepath)
	return config, err
}

func LoadScenarioWithContent(filepath string) (*ScenarioConfig, string, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to read scenario config")
		return nil, "", err
	}

	originalContent := string(data)
	expanded := expandEnvVars(originalContent)

	var config ScenarioConfig
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to parse scenario config")
		return nil, "", err
	}

	if err := validateScenario(&config); err != nil {
		return nil, "", fmt.Errorf("invalid scenario config: %w", err)
	}

	return &config, originalContent, nil
}

func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

func validatePlatform(config *PlatformConfig) error {
	if config.Platform.Name == "" {
		return fmt.Errorf("platform name is required")
	}

	// Table construction performs the ordering/uniqueness checks.
	mpu, err := config.BuildMPUTable()
	if err != nil {
		return err
	}
	dsp, err := config.BuildDSPTable()
	if err != nil {
		return err
	}
	if _, err := config.BuildClockTables(); err != nil {
		return err
	}

	if config.Platform.SharedVoltageDomain {
		if mpu == nil || dsp == nil {
			return fmt.Errorf("shared_voltage_domain requires both mpu and dsp tables")
		}
	}

	if config.Platform.Telemetry.DB.Enabled() {
		db := config.Platform.Telemetry.DB
		if db.Name == "" || db.Org == "" {
			return fmt.Errorf("telemetry db requires name and org")
		}
	}

	return nil
}

func validateScenario(config *ScenarioConfig) error {
	if config.Scenario.Name == "" {
		return fmt.Errorf("scenario name is required")
	}
	if len(config.Drivers) == 0 {
		return fmt.Errorf("scenario declares no drivers")
	}

	for name, script := range config.Drivers {
		if name == "" {
			return fmt.Errorf("driver with empty name")
		}
		if len(script.Steps) == 0 {
			return fmt.Errorf("driver %s: no steps", name)
		}
		for i, step := range script.Steps {
			if step.AtMS < 0 {
				return fmt.Errorf("driver %s step %d: negative at_ms", name, i)
			}
			if err := validateStep(step); err != nil {
				return fmt.Errorf("driver %s step %d: %w", name, i, err)
			}
		}
	}
	return nil
}

func validateStep(step Step) error {
	switch step.Op {
	case OpSetMinBusTput:
		if step.Agent != "target" && step.Agent != "initiator" {
			return fmt.Errorf("agent must be target or initiator, got %q", step.Agent)
		}
	case OpSetMinClkRate:
		if step.Clock == "" {
			return fmt.Errorf("clock is required")
		}
	case OpDSPSetMinOPP:
		if step.OPPID == 0 {
			return fmt.Errorf("opp_id is required")
		}
	case OpCPUSetFreq:
		// Hz of 0 relinquishes, nothing more to check.
	case OpPowerDomainOff:
		// Device defaults to the scripted driver's name.
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
	return nil
}
