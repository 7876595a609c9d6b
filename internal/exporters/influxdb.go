package exporters

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"metricspipe/internal/config"
	mpio "metricspipe/internal/io"
	"metricspipe/internal/telemetry"
)

const influxWriteTimeout = 10 * time.Second

type influxWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

type defaultInfluxProcessor struct {
	writer influxWriter
}

var _ batchProcessor = &defaultInfluxProcessor{}

// InfluxDBSink ships point batches to an InfluxDB v2 bucket.
type InfluxDBSink struct {
	*pointBatcher
	client  influxdb2.Client
	logFile *os.File
}

var _ telemetry.Sink = &InfluxDBSink{}

func (dip *defaultInfluxProcessor) processBatch(
	batch []telemetry.Point,
	wg *sync.WaitGroup,
	logger *logrus.Logger,
) {
	defer wg.Done()

	points := make([]*write.Point, 0, len(batch))
	for _, point := range batch {
		points = append(points, write.NewPoint(
			point.Measurement,
			point.Tags,
			point.Fields,
			time.UnixMilli(point.Timestamp),
		))
	}

	timeoutCtx, cancel := context.WithTimeout(context.Background(), influxWriteTimeout)
	defer cancel()

	err := dip.writer.WritePoint(timeoutCtx, points...)
	if err != nil {
		logger.Errorf("error writing point batch to InfluxDB: %v", err)
	} else {
		logger.Infof("wrote %d points to InfluxDB", len(points))
	}
}

func (is *InfluxDBSink) Release() error {
	is.client.Close()
	if is.logFile != nil {
		is.logFile.Close()
		is.logFile = nil
	}
	return nil
}

func NewInfluxDBSink(cfg *config.InfluxDBConfig, logDir string) (*InfluxDBSink, error) {
	logger, logFile, err := mpio.CreateLogger(logDir, "influxdb.log")
	if err != nil {
		return nil, fmt.Errorf("error creating influxdb logger: %v", err)
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	var writer influxapi.WriteAPIBlocking = client.WriteAPIBlocking(cfg.Org, cfg.Bucket)

	batchSize := 0
	if cfg.BatchSize != nil {
		batchSize = *cfg.BatchSize
	}
	batchTimeout := time.Duration(0)
	if cfg.BatchTimeout != nil {
		batchTimeout = time.Duration(*cfg.BatchTimeout) * time.Second
	}

	sink := InfluxDBSink{
		pointBatcher: newPointBatcher(
			&defaultInfluxProcessor{writer: writer},
			batchSize,
			batchTimeout,
			logger,
		),
		client:  client,
		logFile: logFile,
	}

	return &sink, nil
}
