package logging

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const logFileName = "app.log"

var (
	log      *zap.Logger
	logFile  *os.File
	initOnce sync.Once
)

// Init sets up the global logger: console output always, plus a JSON file
// sink under dir when dir is non-empty.
func Init(level, dir string) error {
	var err error
	initOnce.Do(func() {
		parsed, parseErr := zapcore.ParseLevel(level)
		if parseErr != nil {
			parsed = zapcore.InfoLevel
		}

		consoleEncoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		cores := []zapcore.Core{
			zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), parsed),
		}
		if dir != "" {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				err = mkErr
				return
			}
			file, openErr := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if openErr != nil {
				err = openErr
				return
			}
			logFile = file
			fileEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
			cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(file), parsed))
		}
		log = zap.New(zapcore.NewTee(cores...))
	})
	return err
}

func L() *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}

// Sync flushes buffered entries and closes the file sink.
func Sync() error {
	if log == nil {
		return nil
	}
	err := log.Sync()
	if logFile != nil {
		err = multierr.Append(err, logFile.Close())
		logFile = nil
	}
	return err
}
