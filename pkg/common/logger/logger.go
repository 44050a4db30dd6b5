package logger

import (
	"flag"
	"strconv"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Verbosity levels accepted by InitLogger, mapped to klog -v values.
var Levels = map[string]int{
	"debug":  5,
	"info":   3,
	"quiet":  1,
	"silent": 0,
}

const DefaultLevel = "quiet"

// Verbosity returns the klog verbosity of level.
func Verbosity(level string) (int, error) {
	v, ok := Levels[level]
	if !ok {
		return 0, errors.Errorf("invalid verbosity level %q (debug, info, quiet or silent)", level)
	}
	return v, nil
}

// InitLogger sets the verbosity of klog. Logs go to stderr, and also to
// logFile if it is set.
//
// Usage:
//
//	logger.InitLogger("info", "")
//	defer klog.Flush()
func InitLogger(level string, logFile string) error {
	v, err := Verbosity(level)
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	settings := map[string]string{
		"v":           strconv.Itoa(v),
		"logtostderr": "true",
	}
	if logFile != "" {
		settings["log_file"] = logFile
		settings["logtostderr"] = "false"
		settings["alsologtostderr"] = "true"
	}
	for name, value := range settings {
		if err := fs.Set(name, value); err != nil {
			return errors.Wrapf(err, "failed to set klog flag %s", name)
		}
	}
	return nil
}
