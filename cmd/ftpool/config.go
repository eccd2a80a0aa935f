package main

import (
	"os"
	"strings"
	"time"

	"github.com/luca-patrignani/ftpool/pool"
	"github.com/pkg/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "FTPOOL"

// loadConfig layers, from lowest to highest precedence, the flag defaults,
// the optional YAML file, the FTPOOL_* environment and the flags set on
// the command line.
func loadConfig(flags *pflag.FlagSet, file string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return nil, errors.Wrap(err, "binding flags")
	}
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", file)
		}
	}
	return v, nil
}

func poolConfig(v *viper.Viper) pool.Config {
	return pool.Config{
		Root:    v.GetInt("root"),
		Timeout: v.GetDuration("timeout"),
		Tries:   v.GetInt("tries"),
	}
}

// addPoolFlags registers the flags every command building a pool needs.
func addPoolFlags(flags *pflag.FlagSet, timeout time.Duration, tries int) {
	flags.Int("root", 0, "rank of the coordinator")
	flags.Duration("timeout", timeout, "longest single wait for a peer")
	flags.Int("tries", tries, "waits before a silent peer is declared timed out")
}

// poolKeys are the settings a rank never takes from a default.
var poolKeys = []string{"root", "timeout", "tries"}

// requirePoolSettings fails unless every pool setting was given on the
// command line, in the environment or in the config file.
func requirePoolSettings(v *viper.Viper, flags *pflag.FlagSet) error {
	var missing []string
	for _, key := range poolKeys {
		if flags.Changed(key) || v.InConfig(key) {
			continue
		}
		if _, ok := os.LookupEnv(envKey(key)); ok {
			continue
		}
		missing = append(missing, "--"+key)
	}
	if len(missing) > 0 {
		return errors.Errorf("missing required settings %s", strings.Join(missing, ", "))
	}
	return nil
}

func envKey(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(key))
}

func logLevel(name string) (pterm.LogLevel, error) {
	switch strings.ToLower(name) {
	case "trace":
		return pterm.LogLevelTrace, nil
	case "debug":
		return pterm.LogLevelDebug, nil
	case "info", "":
		return pterm.LogLevelInfo, nil
	case "warn", "warning":
		return pterm.LogLevelWarn, nil
	case "error":
		return pterm.LogLevelError, nil
	default:
		return 0, errors.Errorf("unknown log level %q", name)
	}
}
