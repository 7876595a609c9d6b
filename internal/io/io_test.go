package io

import (
	"os"
	"path/filepath"
	"testing"

	"metricspipe/internal/testutil"
)

func TestCreateLogger(t *testing.T) {
	t.Run("empty log dir disables file logging", func(t *testing.T) {
		logger, file, err := CreateLogger("", "metricspipe.log")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if logger == nil {
			t.Fatalf("expected a logger")
		}
		if file != nil {
			t.Errorf("expected no log file for an empty log dir")
		}
	})

	t.Run("creates the log directory and file", func(t *testing.T) {
		dir := testutil.GenerateRandomDirName()
		defer os.RemoveAll(dir)

		logger, file, err := CreateLogger(dir, "metricspipe.log")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		defer file.Close()

		logger.Info("hello")

		info, err := os.Stat(filepath.Join(dir, "metricspipe.log"))
		if err != nil {
			t.Fatalf("expected the log file to exist, got %v", err)
		}
		if info.Size() == 0 {
			t.Errorf("expected the log file to have content")
		}
	})
}
