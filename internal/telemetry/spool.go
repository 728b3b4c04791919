package telemetry

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"power-arbiter/internal/arbiter"
)

type SpoolArtifact struct {
	Version int `json:"version"`

	CreatedAt time.Time `json:"created_at"`

	RunID        int    `json:"run_id"`
	ScenarioName string `json:"scenario_name"`
	PlatformName string `json:"platform_name"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	PlatformContent string `json:"platform_content"`
	ScenarioContent string `json:"scenario_content"`

	Transitions  []arbiter.Transition  `json:"transitions"`
	DomainStates []arbiter.DomainState `json:"domain_states"`
	LossCounts   map[string]uint32     `json:"loss_counts"`
	Metadata     *RunMetadata          `json:"metadata"`
	StepErrors   []string              `json:"step_errors,omitempty"`
}

func DefaultSpoolDir() string {
	if v := strings.TrimSpace(os.Getenv("POWER_ARBITER_SPOOL_DIR")); v != "" {
		return v
	}
	return "spool"
}

// WriteSpoolArtifact writes a gzip-compressed JSON artifact to disk atomically.
// It returns the final file path.
func WriteSpoolArtifact(dir string, artifact *SpoolArtifact) (string, error) {
	if artifact == nil {
		return "", fmt.Errorf("spool artifact is nil")
	}
	if dir == "" {
		dir = DefaultSpoolDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	scenario := artifact.ScenarioName
	if scenario == "" {
		scenario = "unnamed"
	}
	name := fmt.Sprintf(
		"run_%d_%s_%s.json.gz",
		artifact.RunID,
		artifact.CreatedAt.UTC().Format("20060102T150405Z"),
		sanitizeName(scenario),
	)
	finalPath := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	gz := gzip.NewWriter(tmp)
	enc := json.NewEncoder(gz)
	enc.SetIndent("", "  ")
	if err := enc.Encode(artifact); err != nil {
		_ = gz.Close()
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}
	ok = true
	return finalPath, nil
}

// ReadSpoolArtifact loads an artifact previously written by
// WriteSpoolArtifact, for replay into a database.
func ReadSpoolArtifact(path string) (*SpoolArtifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a spool artifact: %w", err)
	}
	defer gz.Close()

	var artifact SpoolArtifact
	if err := json.NewDecoder(gz).Decode(&artifact); err != nil {
		return nil, fmt.Errorf("failed to decode spool artifact: %w", err)
	}
	return &artifact, nil
}

// BuildSpoolArtifact constructs a spool artifact from the in-memory
// results of a scenario run.
func BuildSpoolArtifact(
	runID int,
	scenarioName, platformName string,
	platformContent, scenarioContent string,
	transitions []arbiter.Transition,
	domainStates []arbiter.DomainState,
	lossCounts map[string]uint32,
	metadata *RunMetadata,
	stepErrors []string,
	startTime, endTime time.Time,
) *SpoolArtifact {
	return &SpoolArtifact{
		Version:         1,
		CreatedAt:       time.Now(),
		RunID:           runID,
		ScenarioName:    scenarioName,
		PlatformName:    platformName,
		StartTime:       startTime,
		EndTime:         endTime,
		PlatformContent: platformContent,
		ScenarioContent: scenarioContent,
		Transitions:     transitions,
		DomainStates:    domainStates,
		LossCounts:      lossCounts,
		Metadata:        metadata,
		StepErrors:      stepErrors,
	}
}

// sanitizeName keeps spool file names filesystem-safe.
func sanitizeName(s string) string {
	result := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '_' {
			result = append(result, c)
		}
	}
	if len(result) == 0 {
		return "run"
	}
	return string(result)
}
