package schema

import (
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"

	"studycore/pkg/domain"
)

// DefaultCacheSize bounds the number of cached definitions when none is configured.
const DefaultCacheSize = 256

// definitionCache is a bounded (study, dataset id) keyed copy of stored
// definitions. Entries are cloned on the way in and out.
type definitionCache struct {
	lru *lru.Cache[string, domain.DatasetDefinition]
}

func newDefinitionCache(size int) (*definitionCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, domain.DatasetDefinition](size)
	if err != nil {
		return nil, err
	}
	return &definitionCache{lru: c}, nil
}

func cacheKey(studyID string, datasetID int) string {
	return studyID + "|" + strconv.Itoa(datasetID)
}

func (c *definitionCache) get(studyID string, datasetID int) (domain.DatasetDefinition, bool) {
	def, ok := c.lru.Get(cacheKey(studyID, datasetID))
	if !ok {
		return domain.DatasetDefinition{}, false
	}
	return def.Clone(), true
}

func (c *definitionCache) put(def domain.DatasetDefinition) {
	c.lru.Add(cacheKey(def.StudyID, def.DatasetID), def.Clone())
}

func (c *definitionCache) remove(studyID string, datasetID int) bool {
	return c.lru.Remove(cacheKey(studyID, datasetID))
}

func (c *definitionCache) purgeStudy(studyID string) {
	prefix := studyID + "|"
	for _, k := range c.lru.Keys() {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			c.lru.Remove(k)
		}
	}
}

func (c *definitionCache) len() int { return c.lru.Len() }
