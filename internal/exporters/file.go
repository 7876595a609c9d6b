package exporters

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"metricspipe/internal/config"
	"metricspipe/internal/telemetry"
)

const fileSinkName = "metricspipe_points.json"

// FileSink appends point batches to a newline-delimited JSON file.
// Batches are serialized through fileMu so concurrent flushes cannot
// interleave lines.
type FileSink struct {
	*pointBatcher
	file   *os.File
	fileMu sync.Mutex
}

var _ telemetry.Sink = &FileSink{}

type fileProcessor struct {
	sink *FileSink
}

var _ batchProcessor = &fileProcessor{}

func (fp *fileProcessor) processBatch(
	batch []telemetry.Point,
	wg *sync.WaitGroup,
	logger *logrus.Logger,
) {
	defer wg.Done()

	fp.sink.fileMu.Lock()
	defer fp.sink.fileMu.Unlock()

	for _, point := range batch {
		jsonBytes, err := json.Marshal(point)
		if err != nil {
			logger.Errorf("error encoding point for measurement %q: %v", point.Measurement, err)
			continue
		}

		jsonBytes = append(jsonBytes, '\n')
		if _, err := fp.sink.file.Write(jsonBytes); err != nil {
			logger.Errorf("error writing points file: %v", err)
			return
		}
	}
}

func (fs *FileSink) Release() error {
	fs.fileMu.Lock()
	defer fs.fileMu.Unlock()

	err := fs.file.Close()
	if err != nil {
		return fmt.Errorf("error closing points file: %v", err)
	}
	return nil
}

// TODO: File rotation.
func NewFileSink(cfg *config.FileConfig, logger *logrus.Logger) (*FileSink, error) {
	path := filepath.Join(cfg.Directory, fileSinkName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("error creating points file: %v", err)
	}

	sink := FileSink{file: file}
	sink.pointBatcher = newPointBatcher(
		&fileProcessor{sink: &sink},
		0,
		// Local writes are cheap, keep the flush latency low.
		2*time.Second,
		logger,
	)

	return &sink, nil
}
