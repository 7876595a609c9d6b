package exporters

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"metricspipe/internal/telemetry"
	"metricspipe/internal/testutil"
)

type mockInfluxWriter struct {
	writePointCalled bool
	writtenPoints    []*write.Point
	writePointError  error
}

func (m *mockInfluxWriter) WritePoint(ctx context.Context, points ...*write.Point) error {
	m.writePointCalled = true
	m.writtenPoints = append(m.writtenPoints, points...)
	return m.writePointError
}

func TestDefaultInfluxProcessor_processBatch(t *testing.T) {
	voidLogger := logrus.New()
	voidLogger.SetOutput(io.Discard)

	t.Run("converts points and writes the batch", func(t *testing.T) {
		writer := &mockInfluxWriter{}
		processor := &defaultInfluxProcessor{writer: writer}

		timestamp := time.Now().UnixMilli()
		batch := []telemetry.Point{
			telemetry.NewPoint(
				"resources",
				timestamp,
				map[string]interface{}{"count": int64(3)},
				telemetry.NewTag("resourceName", "RandomResource"),
			),
			telemetry.NewPoint(
				"queue.depth",
				timestamp,
				map[string]interface{}{"value": int64(42)},
			),
		}

		var wg sync.WaitGroup
		wg.Add(1)
		processor.processBatch(batch, &wg, voidLogger)
		testutil.AssertExitsBefore(t, "processor wait group", func() { wg.Wait() }, 100*time.Millisecond)

		if !writer.writePointCalled {
			t.Fatalf("expected processBatch to call WritePoint")
		}

		if len(writer.writtenPoints) != 2 {
			t.Fatalf("expected 2 written points, got %d", len(writer.writtenPoints))
		}

		first := writer.writtenPoints[0]
		if first.Name() != "resources" {
			t.Errorf("expected measurement 'resources', got %q", first.Name())
		}

		if first.Time().UnixMilli() != timestamp {
			t.Errorf("expected timestamp %d, got %d", timestamp, first.Time().UnixMilli())
		}

		foundTag := false
		for _, tag := range first.TagList() {
			if tag.Key == "resourceName" && tag.Value == "RandomResource" {
				foundTag = true
			}
		}
		if !foundTag {
			t.Errorf("expected resourceName tag on the written point, got %v", first.TagList())
		}
	})

	t.Run("write errors are contained", func(t *testing.T) {
		writer := &mockInfluxWriter{writePointError: errors.New("connection refused")}
		processor := &defaultInfluxProcessor{writer: writer}

		batch := []telemetry.Point{
			telemetry.NewPoint("resources", time.Now().UnixMilli(), map[string]interface{}{"count": int64(1)}),
		}

		var wg sync.WaitGroup
		wg.Add(1)
		processor.processBatch(batch, &wg, voidLogger)
		testutil.AssertExitsBefore(t, "processor wait group", func() { wg.Wait() }, 100*time.Millisecond)
	})
}
