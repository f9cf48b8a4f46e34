package catalog

import (
	"testing"

	"github.com/INLOpen/nexusexport/config"
	"github.com/INLOpen/nexusexport/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticSiteTracker(t *testing.T) {
	tracker, err := NewStaticSiteTracker([]Site{
		{ID: 12, HostID: 1, Partition: 1},
		{ID: 11, HostID: 1, Partition: 0},
		{ID: 21, HostID: 2, Partition: 0},
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{11, 12}, tracker.SitesForHost(1))
	assert.Equal(t, []int64{21}, tracker.SitesForHost(2))
	assert.Empty(t, tracker.SitesForHost(9))

	p, ok := tracker.PartitionForSite(12)
	require.True(t, ok)
	assert.Equal(t, core.PartitionID(1), p)

	_, ok = tracker.PartitionForSite(99)
	assert.False(t, ok)

	_, err = NewStaticSiteTracker([]Site{{ID: 1}, {ID: 1}})
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	cfg := config.CatalogConfig{
		Database:         "db",
		ConnectorEnabled: true,
		Tables: []config.TableConfig{
			{Name: "ORDERS", Signature: "ORDERS|ib", Columns: []config.ColumnConfig{{Name: "ID", Type: "BIGINT"}}},
			{Name: "EVENTS"},
		},
		Sites: []config.SiteConfig{{ID: 1, HostID: 0, Partition: 0}},
	}

	ctx, err := FromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "db", ctx.Database)

	tables := ctx.ExportedTables()
	require.Len(t, tables, 2)
	assert.Equal(t, "ORDERS|ib", tables[0].Signature)
	assert.Equal(t, []core.Column{{Name: "ID", Type: "BIGINT"}}, tables[0].Columns)
	assert.Equal(t, "EVENTS", tables[1].Signature, "signature defaults to the table name")

	cfg.ConnectorEnabled = false
	ctx, err = FromConfig(cfg)
	require.NoError(t, err)
	assert.Nil(t, ctx.ExportedTables())
}

func TestFromConfig_Errors(t *testing.T) {
	_, err := FromConfig(config.CatalogConfig{Tables: []config.TableConfig{{Name: "A"}, {Name: "B", Signature: "A"}}})
	assert.ErrorContains(t, err, "duplicate table signature")

	_, err = FromConfig(config.CatalogConfig{Tables: []config.TableConfig{{}}})
	assert.Error(t, err)
}
