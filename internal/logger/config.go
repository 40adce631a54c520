// internal/logger/config.go
package logger

type Config struct {
	LogFile     string
	MaxSize     int  // megabytes
	MaxAge      int  // days
	MaxBackups  int
	Compress    bool
	Development bool
}

// DefaultConfig returns the production configuration.
func DefaultConfig() *Config {
	return &Config{
		LogFile:     "refuel.log",
		MaxSize:     100,
		MaxAge:      7,
		MaxBackups:  3,
		Compress:    true,
		Development: false,
	}
}
