package remotechat

import (
	"strings"

	"github.com/jbeghtol/openmoxie/conversation"
)

// Catalog field constants, fixed by the device-side module schema.
const (
	catalogVersion = "openmoxie_v1"
	catalogRules   = "RANDOM"
	catalogSource  = "REMOTE_CHAT"
)

// IDInfo wraps a bare identifier in the catalog schema.
type IDInfo struct {
	ID string `json:"id"`
}

// ContentInfo is one content entry under a catalog module.
type ContentInfo struct {
	Info IDInfo `json:"info"`
}

// ModuleInfo is one module entry in the device-facing catalog.
type ModuleInfo struct {
	Info         IDInfo        `json:"info"`
	Rules        string        `json:"rules"`
	Source       string        `json:"source"`
	ContentInfos []ContentInfo `json:"content_infos"`
}

// Catalog is the device-facing module listing returned for discovery queries.
type Catalog struct {
	Modules []ModuleInfo `json:"modules"`
	Version string       `json:"version"`
}

// SessionFactory builds a fresh session for one registered module key.
type SessionFactory func() *conversation.Session

// registry is an immutable snapshot of registered modules plus the
// denormalized catalog view. Rebuilds construct a new registry and swap it in
// whole, so readers never see a half-built map.
type registry struct {
	factories map[string]SessionFactory
	catalog   Catalog
}

func emptyRegistry() *registry {
	return &registry{
		factories: map[string]SessionFactory{},
		catalog:   Catalog{Modules: []ModuleInfo{}, Version: catalogVersion},
	}
}

// registryBuilder accumulates module registrations in insertion order before
// freezing them into a registry snapshot.
type registryBuilder struct {
	factories   map[string]SessionFactory
	moduleOrder []string
	contentIDs  map[string][]string
}

func newRegistryBuilder() *registryBuilder {
	return &registryBuilder{
		factories:  map[string]SessionFactory{},
		contentIDs: map[string][]string{},
	}
}

// add registers a factory under moduleID and each |-delimited content id.
func (b *registryBuilder) add(moduleID, contentID string, factory SessionFactory) {
	for _, cid := range strings.Split(contentID, "|") {
		key := moduleID + "/" + cid
		if _, exists := b.factories[key]; !exists {
			b.contentIDs[moduleID] = append(b.contentIDs[moduleID], cid)
		}
		b.factories[key] = factory
	}
	for _, seen := range b.moduleOrder {
		if seen == moduleID {
			return
		}
	}
	b.moduleOrder = append(b.moduleOrder, moduleID)
}

func (b *registryBuilder) build() *registry {
	catalog := Catalog{Modules: []ModuleInfo{}, Version: catalogVersion}
	for _, mod := range b.moduleOrder {
		info := ModuleInfo{
			Info:         IDInfo{ID: mod},
			Rules:        catalogRules,
			Source:       catalogSource,
			ContentInfos: []ContentInfo{},
		}
		for _, cid := range b.contentIDs[mod] {
			info.ContentInfos = append(info.ContentInfos, ContentInfo{Info: IDInfo{ID: cid}})
		}
		catalog.Modules = append(catalog.Modules, info)
	}
	return &registry{factories: b.factories, catalog: catalog}
}
