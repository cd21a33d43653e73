package config

import (
	"os"
	"runtime"
	"strings"

	"github.com/cloudfoundry/bytefmt"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/vorteil/xfsrepair/pkg/elog"
)

const (
	configFileName = ".xfsrepair"
	envPrefix      = "XFSREPAIR"
)

// Keys understood in the config file and the environment.
const (
	KeyThreads   = "threads"
	KeyAGStride  = "ag-stride"
	KeyPrefetch  = "prefetch"
	KeyCacheSize = "cache-size"
	KeyVerbose   = "verbose"
	KeyReport    = "report"
)

// Settings are the tunables of a run after the config file, the environment
// and the command line have been merged.
type Settings struct {
	Threads   int
	AGStride  uint32
	Prefetch  bool
	CacheSize uint64
	Verbose   bool
	Report    string

	// File is the config file that was read, if any.
	File string
}

// Load reads cfgFile, or ~/.xfsrepair.yaml when cfgFile is empty, and
// overlays XFSREPAIR_* variables and any flag in flags that was set.
// A missing default config file is not an error; a missing explicit one is.
func Load(log elog.Logger, cfgFile string, flags *pflag.FlagSet) (*Settings, error) {

	if log == nil {
		log = elog.Discard()
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyThreads, 2*runtime.NumCPU())
	v.SetDefault(KeyAGStride, 0)
	v.SetDefault(KeyPrefetch, true)
	v.SetDefault(KeyCacheSize, "64M")
	v.SetDefault(KeyVerbose, false)
	v.SetDefault(KeyReport, "")

	explicit := cfgFile != ""
	if explicit {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			log.Debugf("no home directory: %v", err)
			goto bindFlags
		}
		v.AddConfigPath(home)
		v.SetConfigName(configFileName)
	}

	if err := v.ReadInConfig(); err == nil {
		log.Debugf("using config file: %s", v.ConfigFileUsed())
	} else {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound):
			log.Debugf("no config file, using defaults")
		case !explicit && os.IsNotExist(errors.Cause(err)):
			log.Debugf("no config file, using defaults")
		default:
			return nil, errors.Wrap(err, "reading config")
		}
	}

bindFlags:
	if flags != nil {
		for _, key := range []string{KeyThreads, KeyAGStride, KeyCacheSize, KeyVerbose, KeyReport} {
			if f := flags.Lookup(key); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.Wrapf(err, "binding --%s", key)
				}
			}
		}
		if f := flags.Lookup("no-prefetch"); f != nil && f.Changed {
			v.Set(KeyPrefetch, f.Value.String() != "true")
		}
	}

	return settingsFrom(v)

}

func settingsFrom(v *viper.Viper) (*Settings, error) {

	s := &Settings{
		Threads:  v.GetInt(KeyThreads),
		AGStride: v.GetUint32(KeyAGStride),
		Prefetch: v.GetBool(KeyPrefetch),
		Verbose:  v.GetBool(KeyVerbose),
		Report:   v.GetString(KeyReport),
		File:     v.ConfigFileUsed(),
	}

	if s.Threads <= 0 {
		return nil, errors.Errorf("%s: must be positive", KeyThreads)
	}

	size := v.GetString(KeyCacheSize)
	n, err := bytefmt.ToBytes(size)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %q", KeyCacheSize, size)
	}
	s.CacheSize = n

	if s.Report != "" {
		s.Report, err = homedir.Expand(s.Report)
		if err != nil {
			return nil, errors.Wrapf(err, "%s %q", KeyReport, v.GetString(KeyReport))
		}
	}

	return s, nil

}
