package lookup

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/netsys-lab/multipath-transfer/peers"
	log "github.com/sirupsen/logrus"
)

// Poster runs a function later on the protocol's event loop
type Poster interface {
	Post(fn func())
}

// ResolveCallback receives the interfaces of id. An empty list means the
// id could not be resolved.
type ResolveCallback func(id peers.ID, ifs peers.InterfaceList)

// Resolver maps an identity to the interfaces it is reachable at.
// The callback is always invoked asynchronously.
type Resolver interface {
	Resolve(id peers.ID, cb ResolveCallback)
}

var _ Resolver = (*Service)(nil)

type ServiceOptions struct {
	// Asked when the local table has no entry. May be nil.
	Superior Resolver
	// Number of answers from the superior that are kept
	CacheSize int
}

var defaultServiceOptions = &ServiceOptions{
	CacheSize: 256,
}

// Service resolves from a local table first, then from a cache of earlier
// answers of the superior resolver and finally asks the superior itself
type Service struct {
	sync.Mutex
	poster   Poster
	table    map[peers.ID]peers.InterfaceList
	cache    *lru.Cache[peers.ID, peers.InterfaceList]
	superior Resolver
}

func NewService(poster Poster, options *ServiceOptions) (*Service, error) {
	opts := *defaultServiceOptions
	if options != nil {
		opts.Superior = options.Superior
		if options.CacheSize > 0 {
			opts.CacheSize = options.CacheSize
		}
	}

	cache, err := lru.New[peers.ID, peers.InterfaceList](opts.CacheSize)
	if err != nil {
		return nil, err
	}

	return &Service{
		poster:   poster,
		table:    make(map[peers.ID]peers.InterfaceList),
		cache:    cache,
		superior: opts.Superior,
	}, nil
}

// Insert announces the interfaces of id, replacing earlier entries
func (s *Service) Insert(id peers.ID, ifs peers.InterfaceList) {
	s.Lock()
	defer s.Unlock()
	s.table[id] = ifs.Clone()
	s.cache.Remove(id)
	log.Debugf("[Lookup] Inserted %s -> %s", id, ifs)
}

func (s *Service) Remove(id peers.ID) {
	s.Lock()
	defer s.Unlock()
	delete(s.table, id)
	s.cache.Remove(id)
}

func (s *Service) Resolve(id peers.ID, cb ResolveCallback) {
	s.Lock()
	ifs, ok := s.table[id]
	if !ok {
		ifs, ok = s.cache.Get(id)
	}
	superior := s.superior
	s.Unlock()

	if ok {
		ifs = ifs.Clone()
		s.poster.Post(func() { cb(id, ifs) })
		return
	}

	if superior == nil {
		log.Debugf("[Lookup] No entry for %s", id)
		s.poster.Post(func() { cb(id, nil) })
		return
	}

	log.Debugf("[Lookup] Asking superior for %s", id)
	superior.Resolve(id, func(rid peers.ID, rifs peers.InterfaceList) {
		if len(rifs) > 0 {
			s.cache.Add(rid, rifs.Clone())
		}
		cb(rid, rifs)
	})
}
