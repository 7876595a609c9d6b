package exporters

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
	"github.com/sirupsen/logrus"

	"metricspipe/internal/config"
	mpio "metricspipe/internal/io"
	"metricspipe/internal/telemetry"
)

type metricsApiClient interface {
	SubmitMetrics(
		ctx context.Context,
		body datadogV2.MetricPayload,
		o ...datadogV2.SubmitMetricsOptionalParameters,
	) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

type defaultDatadogProcessor struct {
	metricsApiClient metricsApiClient
	datadogContext   context.Context
}

var _ batchProcessor = &defaultDatadogProcessor{}

// DatadogSink ships point batches to the Datadog metrics intake. Each
// point field becomes one series named measurement.field, since the
// Datadog series model carries a single value per series.
type DatadogSink struct {
	*pointBatcher
	logFile *os.File
}

var _ telemetry.Sink = &DatadogSink{}

func (ddp *defaultDatadogProcessor) processBatch(
	batch []telemetry.Point,
	wg *sync.WaitGroup,
	logger *logrus.Logger,
) {
	defer wg.Done()

	timeseriesColl := getTimeseries(batch, logger)
	if len(timeseriesColl) == 0 {
		return
	}

	payload := datadogV2.NewMetricPayload(timeseriesColl)
	_, r, err := ddp.metricsApiClient.SubmitMetrics(ddp.datadogContext, *payload)
	if err != nil {
		logger.Errorf("error sending point batch to Datadog: %v", err)
	} else {
		logger.Infof("received %v response from Datadog", r.Status)
	}
}

func (ds *DatadogSink) Release() error {
	if ds.logFile != nil {
		ds.logFile.Close()
		ds.logFile = nil
	}
	return nil
}

// Use GetDatadogContext to create a context with the Datadog API keys.
func NewDatadogSink(
	datadogCtx context.Context,
	cfg *config.DatadogConfig,
	logDir string,
) (*DatadogSink, error) {
	logger, logFile, err := mpio.CreateLogger(logDir, "datadog.log")
	if err != nil {
		return nil, fmt.Errorf("error creating datadog logger: %v", err)
	}

	datadogCfg := datadog.NewConfiguration()
	if cfg.DisableCompression != nil {
		datadogCfg.Compress = !*cfg.DisableCompression
	}

	client := datadog.NewAPIClient(datadogCfg)
	metricsApi := datadogV2.NewMetricsApi(client)

	batchSize := 0
	if cfg.BatchSize != nil {
		batchSize = *cfg.BatchSize
	}
	batchTimeout := time.Duration(0)
	if cfg.BatchTimeout != nil {
		batchTimeout = time.Duration(*cfg.BatchTimeout) * time.Second
	}

	sink := DatadogSink{
		pointBatcher: newPointBatcher(
			&defaultDatadogProcessor{
				metricsApiClient: metricsApi,
				datadogContext:   datadogCtx,
			},
			batchSize,
			batchTimeout,
			logger,
		),
		logFile: logFile,
	}

	return &sink, nil
}

func GetDatadogContext(cfg *config.DatadogConfig) context.Context {
	ctx := context.WithValue(
		context.Background(),
		datadog.ContextAPIKeys,
		map[string]datadog.APIKey{
			"apiKeyAuth": {
				Key: os.Getenv(cfg.ClientApiKeyEnvVar),
			},
			"appKeyAuth": {
				Key: os.Getenv(cfg.ClientAppKeyEnvVar),
			},
		},
	)

	if cfg.Site != "" {
		ctx = context.WithValue(
			ctx,
			datadog.ContextServerVariables,
			map[string]string{
				"site": cfg.Site,
			},
		)
	}

	return ctx
}

// getTimeseries flattens points into Datadog series, one per field.
// Non-numeric fields are dropped with a warning.
func getTimeseries(batch []telemetry.Point, logger *logrus.Logger) []datadogV2.MetricSeries {
	timeseriesColl := make([]datadogV2.MetricSeries, 0, len(batch))
	for _, point := range batch {
		tags := getTags(point)
		// Datadog timestamps are in seconds.
		timestamp := point.Timestamp / 1000

		for fieldName, fieldValue := range point.Fields {
			value, ok := telemetry.FieldValue(fieldValue)
			if !ok {
				logger.Warnf(
					"dropping non-numeric field %q on measurement %q",
					fieldName, point.Measurement,
				)
				continue
			}

			seriesPoint := datadogV2.MetricPoint{
				Timestamp: datadog.PtrInt64(timestamp),
				Value:     datadog.PtrFloat64(value),
			}

			timeseries := datadogV2.NewMetricSeries(
				point.Measurement+"."+fieldName,
				[]datadogV2.MetricPoint{seriesPoint},
			)
			timeseries.SetTags(tags)
			timeseriesColl = append(timeseriesColl, *timeseries)
		}
	}

	return timeseriesColl
}

func getTagString(key string, value string) string {
	return key + ":" + value
}

func getTags(point telemetry.Point) []string {
	tags := []string{}
	for key, value := range point.Tags {
		tags = append(tags, getTagString(key, value))
	}
	return tags
}
