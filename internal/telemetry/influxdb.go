// Package telemetry records operating-point transitions and context-loss
// counts from a scenario run, either to InfluxDB or to a local spool
// artifact when no database is reachable.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"power-arbiter/internal/arbiter"
	"power-arbiter/internal/config"
	"power-arbiter/internal/logging"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
)

// RunMetadata contains all metadata about a scenario run
type RunMetadata struct {
	RunID            int    `json:"run_id"`
	ScenarioName     string `json:"scenario_name"`
	Description      string `json:"description"`
	PlatformName     string `json:"platform_name"`
	DurationSeconds  int64  `json:"duration_seconds"`
	RunStarted       string `json:"run_started"`  // RFC3339 timestamp
	RunFinished      string `json:"run_finished"` // RFC3339 timestamp
	TotalDrivers     int    `json:"total_drivers"`
	TotalTransitions int    `json:"total_transitions"`
	ArbiterVersion   string `json:"arbiter_version"`
	Hostname         string `json:"hostname"`
	OSInfo           string `json:"os_info"`
	KernelVersion    string `json:"kernel_version"`
	ConfigFile       string `json:"config_file"`
}

// SystemInfo contains host system information
type SystemInfo struct {
	Hostname      string
	OSInfo        string
	KernelVersion string
}

// CollectSystemInfo gathers host system information for run metadata.
func CollectSystemInfo() *SystemInfo {
	info := &SystemInfo{}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	info.Hostname = hostname
	info.OSInfo = runtime.GOOS + "/" + runtime.GOARCH

	if data, err := os.ReadFile("/proc/version"); err == nil {
		parts := strings.Fields(string(data))
		if len(parts) >= 3 {
			info.KernelVersion = parts[2]
		}
	}
	if info.KernelVersion == "" {
		info.KernelVersion = "unknown"
	}

	return info
}

type InfluxDBClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

func NewInfluxDBClient(cfg config.DatabaseConfig) (*InfluxDBClient, error) {
	logger := logging.GetLogger()

	client := influxdb2.NewClient(cfg.Host, cfg.Password)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		logger.WithField("host", cfg.Host).WithError(err).Error("Failed to connect to InfluxDB")
		return nil, err
	}

	if health.Status != "pass" {
		logger.WithFields(logrus.Fields{
			"host":    cfg.Host,
			"status":  health.Status,
			"message": health.Message,
		}).Error("InfluxDB health check failed")
		return nil, fmt.Errorf("influxdb health check failed: %s", health.Status)
	}

	writeAPI := client.WriteAPIBlocking(cfg.Org, cfg.Name)
	queryAPI := client.QueryAPI(cfg.Org)

	logger.WithFields(logrus.Fields{
		"host":   cfg.Host,
		"bucket": cfg.Name,
		"org":    cfg.Org,
	}).Info("Connected to InfluxDB")

	return &InfluxDBClient{
		client:   client,
		writeAPI: writeAPI,
		queryAPI: queryAPI,
		bucket:   cfg.Name,
		org:      cfg.Org,
	}, nil
}

func (idb *InfluxDBClient) GetLastRunID() (int, error) {
	ctx := context.Background()

	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -30d)
		|> filter(fn: (r) => r._measurement == "opp_transitions")
		|> distinct(column: "run_id")
		|> map(fn: (r) => ({_value: int(v: r.run_id)}))
		|> max()
		|> yield(name: "max_run_id")
	`, idb.bucket)

	result, err := idb.queryAPI.Query(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to query last run ID: %w", err)
	}
	defer result.Close()

	maxID := 0
	for result.Next() {
		if result.Record().Value() != nil {
			if id, ok := result.Record().Value().(int64); ok {
				maxID = int(id)
			}
		}
	}

	if result.Err() != nil {
		return 0, fmt.Errorf("error reading query results: %w", result.Err())
	}

	return maxID, nil
}

// WriteTransitions stores every applied operating-point change of a run.
func (idb *InfluxDBClient) WriteTransitions(runID int, scenarioName, platformName string, transitions []arbiter.Transition) error {
	ctx := context.Background()

	var points []*write.Point
	for _, tr := range transitions {
		point := influxdb2.NewPoint("opp_transitions",
			map[string]string{
				"run_id":    fmt.Sprintf("%d", runID),
				"scenario":  scenarioName,
				"platform":  platformName,
				"domain":    tr.Domain,
				"requester": string(tr.Requester),
			},
			map[string]interface{}{
				"aggregate":     int64(tr.Aggregate),
				"setting_id":    int64(tr.SettingID),
				"setting_value": int64(tr.SettingValue),
				"generation":    int64(tr.Generation),
			},
			tr.Timestamp)
		points = append(points, point)
	}

	if len(points) > 0 {
		if err := idb.writeAPI.WritePoint(ctx, points...); err != nil {
			return fmt.Errorf("failed to write transition points: %w", err)
		}
	}

	return nil
}

// WriteContextLossCounts stores the final per-device loss counters of a run.
func (idb *InfluxDBClient) WriteContextLossCounts(runID int, scenarioName string, counts map[string]uint32, at time.Time) error {
	ctx := context.Background()

	var points []*write.Point
	for device, count := range counts {
		point := influxdb2.NewPoint("context_loss",
			map[string]string{
				"run_id":   fmt.Sprintf("%d", runID),
				"scenario": scenarioName,
				"device":   device,
			},
			map[string]interface{}{
				"loss_count": int64(count),
			},
			at)
		points = append(points, point)
	}

	if len(points) > 0 {
		if err := idb.writeAPI.WritePoint(ctx, points...); err != nil {
			return fmt.Errorf("failed to write context-loss points: %w", err)
		}
	}

	return nil
}

func (idb *InfluxDBClient) WriteMetadata(metadata *RunMetadata) error {
	ctx := context.Background()

	point := influxdb2.NewPoint("run_meta",
		map[string]string{
			"run_id": fmt.Sprintf("%d", metadata.RunID),
		},
		map[string]interface{}{
			"scenario_name":     metadata.ScenarioName,
			"description":       metadata.Description,
			"platform_name":     metadata.PlatformName,
			"duration_seconds":  metadata.DurationSeconds,
			"run_started":       metadata.RunStarted,
			"run_finished":      metadata.RunFinished,
			"total_drivers":     metadata.TotalDrivers,
			"total_transitions": metadata.TotalTransitions,
			"arbiter_version":   metadata.ArbiterVersion,
			"hostname":          metadata.Hostname,
			"os_info":           metadata.OSInfo,
			"kernel_version":    metadata.KernelVersion,
			"config_file":       metadata.ConfigFile,
		},
		time.Now())

	if err := idb.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to write run metadata: %w", err)
	}

	return nil
}

func (idb *InfluxDBClient) Close() {
	idb.client.Close()
}
