package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLogger builds the process logger. With a file path it tees
// output to stdout and a size-rotated log file; an unusable path falls
// back to stdout-only rather than failing startup.
func setupLogger(logFilePath string, verbose bool) (*log.Logger, func(), error) {
	flags := log.LstdFlags
	if verbose {
		flags |= log.Lmicroseconds
	}

	if logFilePath == "" {
		return log.New(os.Stdout, "[autoforge] ", flags), func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: cannot use log file %s: %v\n", logFilePath, err)
		return log.New(os.Stdout, "[autoforge] ", flags), func() {}, nil
	}

	rotator := &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    50, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}

	logger := log.New(io.MultiWriter(os.Stdout, rotator), "[autoforge] ", flags)
	cleanup := func() { rotator.Close() }
	return logger, cleanup, nil
}
