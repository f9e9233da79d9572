// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"
)

func TestParseLevel(t *testing.T) {
	require := require.New(t)

	lvl, err := ParseLevel("notice")
	require.NoError(err)
	require.Equal(logging.NOTICE, lvl)

	lvl, err = ParseLevel("DEBUG")
	require.NoError(err)
	require.Equal(logging.DEBUG, lvl)

	_, err = ParseLevel("LOUD")
	require.Error(err)
}

func TestBackendFileAndRotate(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "ghostwire.log")
	b, err := New(f, "INFO", false)
	require.NoError(err)

	l := b.GetLogger("test")
	l.Info("hello")
	l.Debug("filtered")

	require.NoError(b.Rotate())
	l.Warning("after rotate")

	raw, err := os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(raw), "test: hello")
	require.Contains(string(raw), "after rotate")
	require.NotContains(string(raw), "filtered")
}

func TestBackendDisabled(t *testing.T) {
	require := require.New(t)

	b, err := New("", "DEBUG", true)
	require.NoError(err)
	b.GetLogger("quiet").Error("discarded")
	b.GetGoLogger("quiet", "WARNING").Print("also discarded")

	_, err = New("", "BOGUS", false)
	require.Error(err)
}
