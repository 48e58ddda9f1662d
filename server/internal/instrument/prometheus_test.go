// SPDX-FileCopyrightText: Copyright (C) 2017  David Anthony Stainton, Yawning Angel
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

import (
	"context"
	"io"
	"log"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	m := New()
	m.DatagramIn()
	m.DatagramIn()
	m.DatagramOut()
	m.Challenge()
	m.Handshake(0.25)
	m.Drop(ReasonReplay)
	m.Drop(ReasonReplay)
	m.Drop(ReasonExhausted)
	m.Teardown("decode_failures")
	m.PendingSwept(3)
	m.SetTables(4, 2)

	require.Equal(2.0, testutil.ToFloat64(m.datagramsIn))
	require.Equal(1.0, testutil.ToFloat64(m.datagramsOut))
	require.Equal(1.0, testutil.ToFloat64(m.handshakes))
	require.Equal(2.0, testutil.ToFloat64(m.drops.WithLabelValues(ReasonReplay)))
	require.Equal(1.0, testutil.ToFloat64(m.drops.WithLabelValues(ReasonExhausted)))
	require.Equal(1.0, testutil.ToFloat64(m.teardowns.WithLabelValues("decode_failures")))
	require.Equal(3.0, testutil.ToFloat64(m.pendingSwept))
	require.Equal(4.0, testutil.ToFloat64(m.sessions))
	require.Equal(2.0, testutil.ToFloat64(m.pending))
}

func TestNilMetrics(t *testing.T) {
	t.Parallel()

	var m *Metrics
	require.NotPanics(t, func() {
		m.DatagramIn()
		m.DatagramOut()
		m.Challenge()
		m.Handshake(1)
		m.Drop(ReasonMalformed)
		m.Teardown("replaced")
		m.PendingSwept(1)
		m.SetTables(1, 1)
	})
	require.Nil(t, m.Registry())
	_, err := m.Serve("127.0.0.1:0", log.New(io.Discard, "", 0))
	require.Error(t, err)
}

func TestServe(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	m := New()
	m.Challenge()
	srv, err := m.Serve("127.0.0.1:0", log.New(io.Discard, "", 0))
	require.NoError(err)
	defer srv.Shutdown(context.Background())

	resp, err := http.Get("http://" + srv.Addr + "/metrics")
	require.NoError(err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(err)
	require.Contains(string(body), "udpconn_challenges_total 1")
}
