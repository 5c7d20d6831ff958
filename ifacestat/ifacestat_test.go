package ifacestat_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romshark/rxmon/ifacestat"
)

func writeCounters(t *testing.T, root, iface string, vals map[string]string) {
	t.Helper()
	dir := filepath.Join(root, iface, "statistics")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, v := range vals {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(v), 0o644))
	}
}

func TestSnapshotAndSince(t *testing.T) {
	root := t.TempDir()
	r := ifacestat.Reader{Root: root}

	writeCounters(t, root, "veth0", map[string]string{
		"tx_packets": "10\n", "tx_bytes": "1000\n", "rx_packets": "3\n",
	})
	old, err := r.Snapshot([]string{"veth0"})
	require.NoError(t, err)
	require.Equal(t, uint64(10), old["veth0"][ifacestat.TxPackets])
	require.Zero(t, old["veth0"][ifacestat.RxDropped], "missing counter reads as zero")

	writeCounters(t, root, "veth0", map[string]string{
		"tx_packets": "25\n", "tx_bytes": "4000\n", "rx_packets": "3\n",
	})
	now, err := r.Snapshot([]string{"veth0"}, ifacestat.TxPackets, ifacestat.TxBytes)
	require.NoError(t, err)
	d := now.Since(old)
	require.Equal(t, ifacestat.IfaceStats{
		ifacestat.TxPackets: 15,
		ifacestat.TxBytes:   3000,
	}, d["veth0"])
}

func TestSnapshotErrors(t *testing.T) {
	root := t.TempDir()
	r := ifacestat.Reader{Root: root}
	_, err := r.Snapshot([]string{"nope"})
	require.ErrorIs(t, err, ifacestat.ErrNoInterface)

	writeCounters(t, root, "bad", map[string]string{"rx_bytes": "x"})
	_, err = r.Snapshot([]string{"bad"}, ifacestat.RxBytes)
	require.Error(t, err)
}

func TestPrint(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, ifacestat.Print(&b, ifacestat.Stats{
		"eth1": {ifacestat.TxPackets: 1234, ifacestat.TxBytes: 2048},
		"eth0": {ifacestat.RxPackets: 1},
	}))
	out := b.String()
	require.Less(t, bytes.Index(b.Bytes(), []byte("eth0:")), bytes.Index(b.Bytes(), []byte("eth1:")))
	require.Contains(t, out, "1,234")
	require.Contains(t, out, "2.0 kB")
}
