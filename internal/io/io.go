package io

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// If logDir is not an empty string, CreateLogger will create a new file inside logDir
// (creating the directory if it doesn't exist) and set that as the logger's output.
func CreateLogger(logDir string, fileName string) (*logrus.Logger, *os.File, error) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	if logDir != "" {
		dirExists, err := checkDir(logDir)
		if err != nil {
			return nil, nil, fmt.Errorf("error checking log directory: %v", err)
		}

		if !dirExists {
			err = os.MkdirAll(logDir, 0755)
			if err != nil {
				return nil, nil, fmt.Errorf("error creating log directory: %v", err)
			}
		}

		filePath := filepath.Join(logDir, fileName)
		file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("error creating log file: %v", err)
		}
		logger.Out = file
		return logger, file, nil
	}

	return logger, nil, nil
}

func checkDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}
