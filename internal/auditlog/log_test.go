package auditlog_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"btrfsqcow.dev/audit/internal/auditlog"
)

func TestParseLevelAcceptsKnownNames(t *testing.T) {
	cases := map[string]auditlog.Level{
		"error":   auditlog.LevelError,
		"ERROR":   auditlog.LevelError,
		"warn":    auditlog.LevelWarn,
		"warning": auditlog.LevelWarn,
		"info":    auditlog.LevelInfo,
	}
	for s, want := range cases {
		got, err := auditlog.ParseLevel(s)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestParseLevelRejectsUnknownName(t *testing.T) {
	_, err := auditlog.ParseLevel("verbose")
	require.Error(t, err)
}

func TestLoggerAtWarnLevelSuppressesInfo(t *testing.T) {
	var buf bytes.Buffer
	log := auditlog.New(&buf, auditlog.LevelWarn)
	log.Info("should not appear %d", 1)
	log.Warn("should appear %d", 2)
	log.Error("should appear %d", 3)

	out := buf.String()
	require.NotContains(t, out, "should not appear")
	require.Contains(t, out, "WRN: should appear 2")
	require.Contains(t, out, "ERR: should appear 3")
}

func TestLoggerAtInfoLevelWritesEverything(t *testing.T) {
	var buf bytes.Buffer
	log := auditlog.New(&buf, auditlog.LevelInfo)
	log.Info("hello %s", "world")
	require.Equal(t, "INF: hello world\n", buf.String())
}

func TestLoggerAtErrorLevelSuppressesWarnAndInfo(t *testing.T) {
	var buf bytes.Buffer
	log := auditlog.New(&buf, auditlog.LevelError)
	log.Warn("nope")
	log.Info("nope")
	log.Error("yes")
	require.Equal(t, "ERR: yes\n", buf.String())
}
