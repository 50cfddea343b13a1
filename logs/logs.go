package logs

import logging "github.com/ipfs/go-log/v2"

func SetAllLoggers(level logging.LogLevel) {
	logging.SetAllLoggers(level)
	// fx prints every provide and invoke at debug
	_ = logging.SetLogLevel("fx", "WARN")
	_ = logging.SetLogLevel("badger", "WARN")
}
