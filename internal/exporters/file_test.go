package exporters

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"metricspipe/internal/config"
	"metricspipe/internal/telemetry"
	"metricspipe/internal/testutil"
)

func TestFileSink(t *testing.T) {
	dir := testutil.GenerateRandomDirName()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("expected temp dir to be created, got %v", err)
	}
	defer os.RemoveAll(dir)

	voidLogger := logrus.New()
	voidLogger.SetOutput(io.Discard)

	sink, err := NewFileSink(&config.FileConfig{Directory: dir}, voidLogger)
	if err != nil {
		t.Fatalf("expected NewFileSink not to return an error, got %v", err)
	}

	if err := sink.Start(); err != nil {
		t.Fatalf("expected Start not to return an error, got %v", err)
	}

	pointCnt := 3
	for i := 0; i < pointCnt; i++ {
		sink.EmitPoint(telemetry.NewPoint(
			"resources",
			time.Now().UnixMilli(),
			map[string]interface{}{"count": int64(i)},
			telemetry.NewTag("resourceName", "RandomResource"),
		))
	}

	sink.Shutdown()
	testutil.AssertExitsBefore(t, "file sink wait", func() { sink.Wait() }, 2*time.Second)
	if err := sink.Release(); err != nil {
		t.Fatalf("expected Release not to return an error, got %v", err)
	}

	file, err := os.Open(filepath.Join(dir, fileSinkName))
	if err != nil {
		t.Fatalf("expected points file to exist, got %v", err)
	}
	defer file.Close()

	lines := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var point telemetry.Point
		if err := json.Unmarshal(scanner.Bytes(), &point); err != nil {
			t.Fatalf("expected line %d to be valid JSON, got %v", lines+1, err)
		}

		if point.Measurement != "resources" {
			t.Errorf("expected measurement 'resources', got %q", point.Measurement)
		}
		if point.Tags["resourceName"] != "RandomResource" {
			t.Errorf("expected resourceName tag, got %v", point.Tags)
		}
		lines++
	}

	if lines != pointCnt {
		t.Errorf("expected %d lines in the points file, got %d", pointCnt, lines)
	}
}
