package service_test

import (
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/jobrelay/internal/service"
	"github.com/spf13/viper"

	"github.com/stretchr/testify/require"
)

const helperConfig = `
helper:
  root: /srv/jobs
  orphan_grace: "2m"
  timeout: "15s"
`

func TestParseConfig(t *testing.T) {
	// can't be parallel as touches the viper package
	viper.SetConfigType("yaml")
	err := viper.ReadConfig(strings.NewReader(helperConfig))
	require.NoError(t, err)
	cfg, err := service.ParseConfig("helper")
	require.NoError(t, err)
	t.Logf("got: %+v", cfg)

	require.Equal(t, "/srv/jobs", cfg.Root)
	require.Equal(t, 2*time.Minute, cfg.OrphanGrace)
	require.Equal(t, 15*time.Second, cfg.Timeout)

	t.Run("default root", func(t *testing.T) {
		cfg, err := service.ParseConfig("missing")
		require.NoError(t, err)
		require.Equal(t, ".", cfg.Root)
	})
}

func TestEnv(t *testing.T) {
	t.Setenv("JOBRELAY_TEST_HOME", "/home/relay")
	env := service.Env(map[string]string{
		"home":    "$JOBRELAY_TEST_HOME",
		"GODEBUG": "x509negativeserial=1",
	})
	require.Equal(t, []string{
		"GODEBUG=x509negativeserial=1",
		"HOME=/home/relay",
	}, env)
	require.Nil(t, service.Env(nil))
}
