package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestSetupLogging(t *testing.T) {
	orig := DefaultLogger.Level
	origFmt := DefaultLogger.Formatter
	t.Cleanup(func() {
		DefaultLogger.SetLevel(orig)
		DefaultLogger.Formatter = origFmt
	})

	require.NoError(t, SetupLogging("debug", FormatJSON))
	require.Equal(t, logrus.DebugLevel, DefaultLogger.Level)
	require.IsType(t, &logrus.JSONFormatter{}, DefaultLogger.Formatter)

	require.NoError(t, SetupLogging("", ""))
	require.Equal(t, logrus.DebugLevel, DefaultLogger.Level)

	require.Error(t, SetupLogging("loud", ""))
	require.Error(t, SetupLogging("", "xml"))
}
