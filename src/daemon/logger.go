package daemon

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lecoder-ai/mconnect/src/config"
)

// SetupLogging points logrus at the rotating daemon log. In foreground mode
// output is mirrored to stderr as well.
func SetupLogging(cfg *config.Config, foreground bool) {
	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFilePath(),
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		Compress:   false,
	}

	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	if foreground {
		logrus.SetOutput(io.MultiWriter(os.Stderr, rotator))
	} else {
		logrus.SetOutput(rotator)
	}

	if os.Getenv("MCONNECT_DEBUG") != "" {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}
