package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "daemon.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

func TestLoadDaemonConfig_Stereo(t *testing.T) {
	path := writeYAML(t, `
logging:
  level: debug
variant:
  kind: stereo
  cameras: [left, right]
solver:
  command: ["dvs-solver", "--stereo"]
  timeout: 30s
sources:
  - kind: serial
    camera: left
    device: /dev/ttyUSB0
  - kind: serial
    camera: right
    device: /dev/ttyUSB1
    edvs_format: 4
mqtt:
  broker: tcp://localhost:1883
`)
	cfg, err := LoadDaemonConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, VariantStereo, cfg.Variant.Kind)
	assert.Equal(t, []string{"left", "right"}, cfg.Variant.Cameras)
	assert.Equal(t, 30*time.Second, cfg.SolverTimeout())
	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, 4000000, cfg.Sources[0].Baud)
	assert.Equal(t, 2, cfg.Sources[0].EDVSFormat)
	assert.Equal(t, 4, cfg.Sources[1].EDVSFormat)
	assert.Equal(t, "dvs/calibration", cfg.MQTT.TopicPrefix)
	assert.Equal(t, ":8080", cfg.HTTP.Listen)
}

func TestLoadDaemonConfig_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown key", "sources:\n  - kind: synthetic\n    camera: a\nbogus: 1\n"},
		{"no sources", "variant:\n  kind: mono\n"},
		{"serial without device", "sources:\n  - kind: serial\n    camera: a\n"},
		{"bad edvs format", "sources:\n  - kind: serial\n    camera: a\n    device: /dev/x\n    edvs_format: 1\n"},
		{"unknown kind", "sources:\n  - kind: carrier-pigeon\n"},
		{"pcap without path", "sources:\n  - kind: pcap\n"},
		{"stereo one camera", "variant:\n  kind: stereo\n  cameras: [a]\nsources:\n  - kind: udp\n"},
		{"stereo same camera", "variant:\n  kind: stereo\n  cameras: [a, a]\nsources:\n  - kind: udp\n"},
		{"bad timeout", "solver:\n  timeout: later\nsources:\n  - kind: udp\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadDaemonConfig(writeYAML(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestDefaultDaemonConfig(t *testing.T) {
	cfg := DefaultDaemonConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, VariantMono, cfg.Variant.Kind)
	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, SourceSynthetic, cfg.Sources[0].Kind)
}
