// config_test.go - Host configuration tests.
// Copyright (C) 2017  Yawning Angel
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load(nil)
	require.Error(err, "no Load() with nil config")
	require.EqualError(err, "No nil buffer as config file")

	basicConfig := `# A basic configuration example.
[server]
Identifier = "udpconn.example.com"
Address = "127.0.0.1:29483"
MetricsAddress = "127.0.0.1:6543"
DataDir = "%s"

[Logging]
Level = "debug"

[Handshake]
PendingTimeout = 10000
MaxDecodeFailures = 3
`

	config := fmt.Sprintf(basicConfig, os.TempDir())

	cfg, err := Load([]byte(config))
	require.NoError(err, "Load() with basic config")
	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal(10*time.Second, cfg.Handshake.PendingTimeoutDuration())
	require.Equal(defaultSweepInterval, cfg.Handshake.SweepInterval)
	require.Equal(3, cfg.Handshake.MaxDecodeFailures)
	require.Equal(defaultReplayFilterEntries, cfg.Handshake.ReplayFilterEntries)
	require.Equal(defaultProfilingAddress, cfg.Debug.ProfilingAddress)

	_, err = json.Marshal(cfg)
	require.NoError(err)
}

func TestMinimalConfig(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte("[Server]\nIdentifier = \"Bücher.example\"\n"))
	require.NoError(err)
	require.Equal("xn--bcher-kva.example", cfg.Server.Identifier)
	require.Equal(defaultAddress, cfg.Server.Address)
	require.Equal(defaultLogLevel, cfg.Logging.Level)
	require.Equal(30*time.Second, cfg.Handshake.PendingTimeoutDuration())
	require.Equal(5*time.Second, cfg.Handshake.SweepIntervalDuration())
}

func TestIncompleteConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load([]byte("[Logging]\nLevel = \"DEBUG\"\n"))
	require.EqualError(err, "config: No Server block was present")

	_, err = Load([]byte("[Server]\nAddress = \"127.0.0.1:1\"\n"))
	require.EqualError(err, "config: Server: Identifier is not set")
}

func TestInvalidConfig(t *testing.T) {
	require := require.New(t)

	for _, body := range []string{
		"[Server]\nIdentifier = \"a\"\nDataDir = \"relative/dir\"\n",
		"[Server]\nIdentifier = \"a\"\nMetricsAddress = \"nope\"\n",
		"[Server]\nIdentifier = \"a\"\nAddress = \"127.0.0.1:notaport\"\n",
		"[Server]\nIdentifier = \"a\"\n[Logging]\nLevel = \"LOUD\"\n",
		"[Server\n",
	} {
		_, err := Load([]byte(body))
		require.Error(err, body)
	}
}

func TestStoreLoadCBOR(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	fn := filepath.Join(dir, "config.toml")
	require.NoError(os.WriteFile(fn, []byte("[Server]\nIdentifier = \"udpconn.example.com\"\n[Handshake]\nSweepInterval = 250\n"), 0600))

	cfg, err := LoadFile(fn)
	require.NoError(err)

	snap := filepath.Join(dir, SnapshotFile)
	require.NoError(Store(cfg, snap))

	cfg2, err := LoadCBOR(snap)
	require.NoError(err)
	require.Equal(cfg, cfg2)

	_, err = LoadFile(filepath.Join(dir, "missing.toml"))
	require.Error(err)
}
