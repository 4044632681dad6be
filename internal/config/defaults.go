package config

const (
	defaultDataDir            = "~/.local/share/empi"
	defaultLogDir             = "~/.local/share/empi/logs"
	defaultAPIBind            = "127.0.0.1:7846"
	defaultRunner             = RunnerLocal
	defaultPollInterval       = 5
	defaultErrorRetryInterval = 10
	defaultJobTimeout         = 3600
	defaultRunnerPollInterval = 2
	defaultComparatorURL      = "http://127.0.0.1:9480"
	defaultComparatorTimeout  = 1800
	defaultClusterSubmit      = 300
	defaultClusterNamespace   = "empi"
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		Matching: Matching{
			Runner:             defaultRunner,
			PollInterval:       defaultPollInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
			JobTimeout:         defaultJobTimeout,
			RunnerPollInterval: defaultRunnerPollInterval,
		},
		Comparator: Comparator{
			BaseURL:        defaultComparatorURL,
			TimeoutSeconds: defaultComparatorTimeout,
		},
		Cluster: Cluster{
			Namespace:     defaultClusterNamespace,
			SubmitTimeout: defaultClusterSubmit,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
