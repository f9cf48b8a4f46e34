// Package catalog holds the slice of the database catalog the export
// subsystem needs: which tables are exported, with which columns, and which
// execution sites (and so which partitions) live on which host.
package catalog

import (
	"fmt"
	"sort"

	"github.com/INLOpen/nexusexport/config"
	"github.com/INLOpen/nexusexport/core"
)

// Table is an exported table definition.
type Table struct {
	Name      string
	Signature string
	Columns   []core.Column
}

// Connector lists the tables exported through the export connector.
type Connector struct {
	Enabled bool
	Tables  []Table
}

// Context is one catalog version.
type Context struct {
	Database  string
	Connector *Connector
	Sites     SiteTracker
}

// SiteTracker maps hosts to execution sites and sites to partitions.
type SiteTracker interface {
	SitesForHost(hostID int32) []int64
	PartitionForSite(siteID int64) (core.PartitionID, bool)
}

// StaticSiteTracker is a SiteTracker over a fixed site layout.
type StaticSiteTracker struct {
	hostSites     map[int32][]int64
	sitePartition map[int64]core.PartitionID
}

var _ SiteTracker = (*StaticSiteTracker)(nil)

// Site places an execution site.
type Site struct {
	ID        int64
	HostID    int32
	Partition core.PartitionID
}

// NewStaticSiteTracker builds a tracker from a site list. Duplicate site ids
// are rejected.
func NewStaticSiteTracker(sites []Site) (*StaticSiteTracker, error) {
	t := &StaticSiteTracker{
		hostSites:     make(map[int32][]int64),
		sitePartition: make(map[int64]core.PartitionID, len(sites)),
	}
	for _, s := range sites {
		if _, dup := t.sitePartition[s.ID]; dup {
			return nil, fmt.Errorf("duplicate site id %d", s.ID)
		}
		t.sitePartition[s.ID] = s.Partition
		t.hostSites[s.HostID] = append(t.hostSites[s.HostID], s.ID)
	}
	for host := range t.hostSites {
		ids := t.hostSites[host]
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return t, nil
}

func (t *StaticSiteTracker) SitesForHost(hostID int32) []int64 {
	ids := t.hostSites[hostID]
	out := make([]int64, len(ids))
	copy(out, ids)
	return out
}

func (t *StaticSiteTracker) PartitionForSite(siteID int64) (core.PartitionID, bool) {
	p, ok := t.sitePartition[siteID]
	return p, ok
}

// FromConfig builds a catalog context from the static catalog section of the
// configuration file.
func FromConfig(cfg config.CatalogConfig) (*Context, error) {
	sites := make([]Site, 0, len(cfg.Sites))
	for _, s := range cfg.Sites {
		sites = append(sites, Site{ID: s.ID, HostID: s.HostID, Partition: core.PartitionID(s.Partition)})
	}
	tracker, err := NewStaticSiteTracker(sites)
	if err != nil {
		return nil, err
	}

	conn := &Connector{Enabled: cfg.ConnectorEnabled}
	seen := make(map[string]struct{}, len(cfg.Tables))
	for _, tc := range cfg.Tables {
		if tc.Name == "" {
			return nil, fmt.Errorf("exported table without a name")
		}
		sig := tc.Signature
		if sig == "" {
			sig = tc.Name
		}
		if _, dup := seen[sig]; dup {
			return nil, fmt.Errorf("duplicate table signature %q", sig)
		}
		seen[sig] = struct{}{}
		cols := make([]core.Column, 0, len(tc.Columns))
		for _, c := range tc.Columns {
			cols = append(cols, core.Column{Name: c.Name, Type: c.Type})
		}
		conn.Tables = append(conn.Tables, Table{Name: tc.Name, Signature: sig, Columns: cols})
	}

	return &Context{Database: cfg.Database, Connector: conn, Sites: tracker}, nil
}

// ExportedTables returns the tables of an enabled connector, nil otherwise.
func (c *Context) ExportedTables() []Table {
	if c == nil || c.Connector == nil || !c.Connector.Enabled {
		return nil
	}
	return c.Connector.Tables
}
