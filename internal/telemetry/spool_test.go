package telemetry

import (
	"testing"
	"time"

	"power-arbiter/internal/arbiter"
)

func TestWriteSpoolArtifact_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	start := time.Now().Add(-2 * time.Second)
	end := time.Now()
	artifact := BuildSpoolArtifact(
		7,
		"camera-capture", "sdp3430",
		"platform: {}", "scenario: {}",
		[]arbiter.Transition{
			{Domain: "bus/target", Requester: "dss", Aggregate: 400000, SettingValue: 400000, Generation: 1, Timestamp: start},
			{Domain: "cpu", Requester: "cpufreq", Aggregate: 250000000, SettingID: 2, SettingValue: 250000000, Generation: 2, Timestamp: end},
		},
		[]arbiter.DomainState{
			{Domain: "bus/target", Aggregate: 400000, LiveRecords: 1, SettingValue: 400000},
		},
		map[string]uint32{"dss": 3},
		&RunMetadata{RunID: 7, ScenarioName: "camera-capture"},
		nil,
		start, end,
	)

	path, err := WriteSpoolArtifact(dir, artifact)
	if err != nil {
		t.Fatalf("WriteSpoolArtifact failed: %v", err)
	}

	loaded, err := ReadSpoolArtifact(path)
	if err != nil {
		t.Fatalf("ReadSpoolArtifact failed: %v", err)
	}

	if loaded.RunID != 7 || loaded.ScenarioName != "camera-capture" {
		t.Errorf("loaded run = %d/%q, want 7/camera-capture", loaded.RunID, loaded.ScenarioName)
	}
	if len(loaded.Transitions) != 2 {
		t.Fatalf("loaded %d transitions, want 2", len(loaded.Transitions))
	}
	if loaded.Transitions[1].SettingID != 2 {
		t.Errorf("transition setting_id = %d, want 2", loaded.Transitions[1].SettingID)
	}
	if loaded.LossCounts["dss"] != 3 {
		t.Errorf("loss count = %d, want 3", loaded.LossCounts["dss"])
	}
}

func TestWriteSpoolArtifact_NilArtifact(t *testing.T) {
	if _, err := WriteSpoolArtifact(t.TempDir(), nil); err == nil {
		t.Error("expected error for nil artifact")
	}
}

func TestSanitizeName(t *testing.T) {
	if got := sanitizeName("camera capture/1!"); got != "cameracapture1" {
		t.Errorf("sanitizeName = %q, want cameracapture1", got)
	}
	if got := sanitizeName("///"); got != "run" {
		t.Errorf("sanitizeName = %q, want fallback run", got)
	}
}
