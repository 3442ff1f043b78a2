package configuration

import (
	"os"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
)

type localConfiguration struct {
	Version       Version      `yaml:"version"`
	Log           *localLog    `yaml:"log"`
	Notifications []localNotif `yaml:"notifications,omitempty"`
}

type localLog struct {
	Formatter string `yaml:"formatter,omitempty"`
}

type localNotif struct {
	Name string `yaml:"name"`
}

var expectedConfig = localConfiguration{
	Version: "0.1",
	Log: &localLog{
		Formatter: "json",
	},
	Notifications: []localNotif{
		{Name: "foo"},
		{Name: "bar"},
		{Name: "car"},
	},
}

const testConfig = `version: "0.1"
log:
  formatter: "text"
notifications:
  - name: "foo"
  - name: "bar"
  - name: "car"`

func newLocalParser() *Parser {
	return NewParser("bundleupdate", []VersionedParseInfo{
		{
			Version: "0.1",
			ParseAs: reflect.TypeOf(localConfiguration{}),
			ConversionFunc: func(c interface{}) (interface{}, error) {
				return c, nil
			},
		},
	})
}

func TestParserOverwriteInitializedPointer(t *testing.T) {
	config := localConfiguration{}

	os.Setenv("BUNDLEUPDATE_LOG_FORMATTER", "json")
	defer os.Unsetenv("BUNDLEUPDATE_LOG_FORMATTER")

	err := newLocalParser().Parse([]byte(testConfig), &config)
	require.NoError(t, err)
	require.Equal(t, expectedConfig, config)
}

const testConfig2 = `version: "0.1"
log:
  formatter: "text"
notifications:
  - name: "val1"
  - name: "val2"
  - name: "car"`

func TestParserOverwriteUninitializedPointer(t *testing.T) {
	config := localConfiguration{}

	os.Setenv("BUNDLEUPDATE_LOG_FORMATTER", "json")
	defer os.Unsetenv("BUNDLEUPDATE_LOG_FORMATTER")

	// override only first two notification values in testConfig2; leave
	// the last value unchanged.
	os.Setenv("BUNDLEUPDATE_NOTIFICATIONS_0_NAME", "foo")
	defer os.Unsetenv("BUNDLEUPDATE_NOTIFICATIONS_0_NAME")
	os.Setenv("BUNDLEUPDATE_NOTIFICATIONS_1_NAME", "bar")
	defer os.Unsetenv("BUNDLEUPDATE_NOTIFICATIONS_1_NAME")

	err := newLocalParser().Parse([]byte(testConfig2), &config)
	require.NoError(t, err)
	require.Equal(t, expectedConfig, config)
}
