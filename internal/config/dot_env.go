package config

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/subosito/gotenv"
)

// DotEnvTryLoad forcefully overrides ENV variables through **a maybe available** .env file.
//
// This function is always no-op if the .env file is not present.
func DotEnvTryLoad(absolutePathToEnvFile string, setEnvFn func(key string, value string) error) {
	file, err := os.Open(absolutePathToEnvFile)
	if err != nil {
		return
	}
	defer file.Close()

	envs, err := gotenv.StrictParse(file)
	if err != nil {
		log.Error().Err(err).Str("path", absolutePathToEnvFile).Msg(".env parse error!")
		return
	}

	for key, value := range envs {
		if err := setEnvFn(key, value); err != nil {
			log.Error().Err(err).Str("key", key).Msg("Failed to set .env override")
		}
	}

	log.Warn().Str("envFile", absolutePathToEnvFile).Int("cnt", len(envs)).Msg(".env overrides ENV variables!")
}
