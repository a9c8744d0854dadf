// SPDX-License-Identifier: ice License 1.0

package cfg

import (
	"log"
	"reflect"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultYAMLConfigurationFilePath = "/etc/notification-server/application.yaml"
	modulePath                       = "github.com/ice-blockchain/notification-server/"
)

var (
	yamlConfigurationFilePathInitializer = new(sync.Once)
	yamlConfigurationFilePath            string
)

// MustInit loads the first readable yaml file out of absoluteCfgPaths.
// Without paths it looks for application.yaml next to the working directory and the executable.
func MustInit(absoluteCfgPaths ...string) {
	yamlConfigurationFilePathInitializer.Do(func() {
		if len(absoluteCfgPaths) == 0 {
			absoluteCfgPaths = findAllApplicationConfigFiles()
		}
		mustInit(absoluteCfgPaths...)
	})
}

func mustInit(absoluteCfgPaths ...string) {
	yamlConfigurationFilePath = ""
	for _, path := range absoluteCfgPaths {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err == nil {
			yamlConfigurationFilePath = path
			break
		}
	}
	if yamlConfigurationFilePath == "" {
		if len(absoluteCfgPaths) > 0 {
			log.Printf("warn: could not find any of the provided file paths %+v, defaulting to `%v`", absoluteCfgPaths, defaultYAMLConfigurationFilePath)
		}
		yamlConfigurationFilePath = defaultYAMLConfigurationFilePath
	}
}

// MustGet decodes the yaml section named after T's package path, relative to the module.
func MustGet[T any]() *T {
	var t T
	key := Key[T]()
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := viper.UnmarshalKey(key, &t, hooks); err != nil {
		log.Panic(errors.Wrapf(err, "could not deserialised `%v` yaml key `%v` into %+v", yamlConfigurationFilePath, key, t))
	}

	return &t
}

func Key[T any]() string {
	var t T

	return strings.Replace(reflect.TypeOf(t).PkgPath(), modulePath, "", 1)
}

// Watch reports every change of the loaded yaml file. It is a noop when nothing was loaded.
func Watch(onChange func(fsnotify.Event)) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(onChange)
	viper.WatchConfig()
}

func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

// IsSet reports whether field of T's yaml section was provided.
func IsSet[T any](field string) bool {
	return viper.IsSet(Key[T]() + "." + field)
}
