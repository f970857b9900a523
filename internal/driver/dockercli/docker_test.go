package dockercli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-dev/workspace-node/internal/driver"
	"github.com/atelier-dev/workspace-node/internal/models"
)

const inspectFixture = `[
  {
    "Id": "8d5f2a9c41b0",
    "Created": "2026-08-30T11:22:33.123456789Z",
    "State": {
      "Status": "running",
      "StartedAt": "2026-08-30T11:22:35.000000000Z"
    },
    "Config": {
      "Labels": {
        "workspace-node.managed": "1",
        "workspace-node.agent-port": "7070"
      }
    },
    "NetworkSettings": {
      "IPAddress": "172.17.0.4"
    }
  }
]`

func TestToUnitInfo(t *testing.T) {
	var raw []inspectContainer
	require.NoError(t, json.Unmarshal([]byte(inspectFixture), &raw))
	require.Len(t, raw, 1)

	info := raw[0].toUnitInfo(7070)
	assert.Equal(t, models.UnitID("8d5f2a9c41b0"), info.ID)
	assert.Equal(t, "172.17.0.4:7070", info.Endpoint)
	assert.True(t, info.Running)
	assert.Equal(t, 2026, info.CreatedAt.Year())
	assert.Equal(t, "1", info.Labels[managedLabel])
}

func TestToUnitInfo_StoppedContainer(t *testing.T) {
	c := inspectContainer{
		ID:    "dead01",
		State: inspectState{Status: "exited"},
	}
	info := c.toUnitInfo(7070)
	assert.False(t, info.Running)
}

func TestAgentPortFromLabels(t *testing.T) {
	d := New(Config{})

	assert.Equal(t, uint16(7070), d.agentPortFromLabels(map[string]string{
		agentPortLabel: "7070",
	}))
	assert.Equal(t, uint16(0), d.agentPortFromLabels(map[string]string{
		agentPortLabel: "not-a-port",
	}))
	assert.Equal(t, uint16(0), d.agentPortFromLabels(nil))
}

func TestSplitLines(t *testing.T) {
	assert.Equal(t, []string{"aaa", "bbb"}, splitLines("aaa\nbbb\n"))
	assert.Equal(t, []string{"aaa"}, splitLines("  aaa  \n\n"))
	assert.Nil(t, splitLines(""))
	assert.Nil(t, splitLines("\n\n"))
}

func TestMapNotFound(t *testing.T) {
	d := New(Config{})

	err := d.mapNotFound(assert.AnError, "unit-1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, driver.ErrUnitNotFound)

	notFound := d.mapNotFound(errNoSuchContainer{}, "unit-1")
	assert.ErrorIs(t, notFound, driver.ErrUnitNotFound)
}

type errNoSuchContainer struct{}

func (errNoSuchContainer) Error() string {
	return `exit status 1: Error response from daemon: No such container: unit-1`
}
