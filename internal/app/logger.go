package app

import "github.com/blockfall/blockfall/pkg/logger"

// ConfigureLogging initialises the global logger. Unknown or empty levels
// resolve to info inside the logger package.
func ConfigureLogging(level string) error {
	return logger.Init(level)
}
