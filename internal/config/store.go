package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// failureLogThreshold is the consecutive-failure count that triggers a warning.
// Automatic removal at this threshold is intentionally disabled; see
// providerRemovalEnabled.
const failureLogThreshold = 5

// providerRemovalEnabled gates automatic provider removal. The capability is
// kept but short-circuited until there is product intent to ship it.
var providerRemovalEnabled = false

// ErrSnapshotSave indicates a snapshot could not be persisted; in-memory state
// keeps serving the last good snapshot.
var ErrSnapshotSave = errors.New("config: snapshot save failed")

// Store owns the provider and user snapshot documents. Readers receive the
// last published snapshot pointer; writers serialize on a per-document mutex
// and follow reload -> mutate -> persist -> publish, so a reader can never
// observe a saved-but-unpublished document.
type Store struct {
	providersPath string
	usersPath     string

	providersMu sync.Mutex
	usersMu     sync.Mutex

	providers atomic.Pointer[ProvidersDoc]
	users     atomic.Pointer[UsersDoc]
	models    atomic.Pointer[[]ModelInfo]
}

// NewStore creates a store bound to the two snapshot paths.
func NewStore(providersPath, usersPath string) *Store {
	s := &Store{providersPath: providersPath, usersPath: usersPath}
	s.publishProviders(&ProvidersDoc{Endpoints: map[string]*EndpointConfig{}})
	s.users.Store(&UsersDoc{Users: map[string]*UserAccount{}})
	return s
}

// Load reads both snapshots from disk. Missing or corrupt files degrade to
// empty documents: no providers means routing fails closed, no users means
// authentication is disabled entirely.
func (s *Store) Load() {
	s.providersMu.Lock()
	providers := s.loadProvidersLocked()
	s.publishProviders(providers)
	s.providersMu.Unlock()

	s.usersMu.Lock()
	users := s.loadUsersLocked()
	s.users.Store(users)
	s.usersMu.Unlock()

	log.Infof("config: loaded %d endpoints, %d users, %d public models",
		len(providers.Endpoints), len(users.Users), len(s.ModelList()))
}

// Providers returns the current provider snapshot. The document is shared;
// callers must not mutate it.
func (s *Store) Providers() *ProvidersDoc { return s.providers.Load() }

// Users returns the current user snapshot. The document is shared; callers
// must not mutate it.
func (s *Store) Users() *UsersDoc { return s.users.Load() }

// ModelList returns the derived public model listing.
func (s *Store) ModelList() []ModelInfo {
	if list := s.models.Load(); list != nil {
		return *list
	}
	return nil
}

// MutateUsers reloads the user snapshot, applies fn, persists and publishes.
// When fn returns an error nothing is saved or published. A failed save keeps
// the previous published snapshot and returns ErrSnapshotSave.
func (s *Store) MutateUsers(fn func(doc *UsersDoc) error) error {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	doc := s.loadUsersLocked()
	if errFn := fn(doc); errFn != nil {
		return errFn
	}
	if errSave := writeJSONAtomic(s.usersPath, doc); errSave != nil {
		log.Errorf("config: save users: %v", errSave)
		return fmt.Errorf("%w: %v", ErrSnapshotSave, errSave)
	}
	s.users.Store(doc)
	return nil
}

// MutateProviders reloads the provider snapshot, applies fn, persists,
// publishes and regenerates the derived model list.
func (s *Store) MutateProviders(fn func(doc *ProvidersDoc) error) error {
	s.providersMu.Lock()
	defer s.providersMu.Unlock()

	doc := s.loadProvidersLocked()
	if errFn := fn(doc); errFn != nil {
		return errFn
	}
	if errSave := writeJSONAtomic(s.providersPath, doc); errSave != nil {
		log.Errorf("config: save providers: %v", errSave)
		return fmt.Errorf("%w: %v", ErrSnapshotSave, errSave)
	}
	s.publishProviders(doc)
	return nil
}

// RecordProviderFailure increments the consecutive-failure counter for the
// matching provider and persists the change. At the log threshold the
// provider is reported but never removed.
func (s *Store) RecordProviderFailure(endpoint, model string, failed *ProviderEntry) {
	errMutate := s.MutateProviders(func(doc *ProvidersDoc) error {
		entry := findProvider(doc, endpoint, model, failed)
		if entry == nil {
			return fmt.Errorf("config: provider %s not found for %s %s", failed.ProviderName, endpoint, model)
		}
		entry.ConsecutiveFailures++
		if entry.ConsecutiveFailures >= failureLogThreshold {
			log.Warnf("config: provider %s for model %s has %d consecutive failures (removal disabled)",
				entry.ProviderName, model, entry.ConsecutiveFailures)
		}
		return nil
	})
	if errMutate != nil {
		log.Errorf("config: record provider failure: %v", errMutate)
	}
}

// ResetProviderFailure zeroes the consecutive-failure counter after a success.
func (s *Store) ResetProviderFailure(endpoint, model string, succeeded *ProviderEntry) {
	errMutate := s.MutateProviders(func(doc *ProvidersDoc) error {
		entry := findProvider(doc, endpoint, model, succeeded)
		if entry == nil {
			return fmt.Errorf("config: provider %s not found for %s %s", succeeded.ProviderName, endpoint, model)
		}
		if entry.ConsecutiveFailures == 0 {
			return errNoChange
		}
		entry.ConsecutiveFailures = 0
		return nil
	})
	if errMutate != nil && !errors.Is(errMutate, errNoChange) {
		log.Errorf("config: reset provider failure: %v", errMutate)
	}
}

// errNoChange aborts a mutation without an error being logged or persisted.
var errNoChange = errors.New("config: no change")

// RemoveProvider drops a provider from a model's list. The operation is
// currently disabled and returns immediately without touching the snapshot.
func (s *Store) RemoveProvider(endpoint, model string, target *ProviderEntry) error {
	if !providerRemovalEnabled {
		return nil
	}
	return s.MutateProviders(func(doc *ProvidersDoc) error {
		ep := doc.Endpoints[endpoint]
		if ep == nil || ep.Models == nil {
			return fmt.Errorf("config: endpoint %s not found", endpoint)
		}
		list := ep.Models[model]
		for i, entry := range list {
			if entry.SameCredential(target) {
				ep.Models[model] = append(list[:i], list[i+1:]...)
				log.Infof("config: removed provider %s for model %s", entry.ProviderName, model)
				return nil
			}
		}
		return fmt.Errorf("config: provider not found for removal: %s", target.ProviderName)
	})
}

func (s *Store) publishProviders(doc *ProvidersDoc) {
	s.providers.Store(doc)
	list := BuildModelList(doc)
	s.models.Store(&list)
}

func (s *Store) loadProvidersLocked() *ProvidersDoc {
	doc := &ProvidersDoc{}
	if errLoad := readJSON(s.providersPath, doc); errLoad != nil {
		if !os.IsNotExist(errLoad) {
			log.Errorf("config: load providers: %v", errLoad)
			if prev := s.providers.Load(); prev != nil {
				doc = cloneSnapshot(prev)
			}
		}
	}
	if doc.Endpoints == nil {
		doc.Endpoints = map[string]*EndpointConfig{}
	}
	return doc
}

func (s *Store) loadUsersLocked() *UsersDoc {
	doc := &UsersDoc{}
	if errLoad := readJSON(s.usersPath, doc); errLoad != nil {
		if !os.IsNotExist(errLoad) {
			log.Errorf("config: load users: %v", errLoad)
			if prev := s.users.Load(); prev != nil {
				doc = cloneSnapshot(prev)
			}
		}
	}
	if doc.Users == nil {
		doc.Users = map[string]*UserAccount{}
	}
	return doc
}

// cloneSnapshot deep-copies a published document through a JSON round trip.
// When the on-disk snapshot is unreadable, the writer falls back to the last
// good document; it must work on a copy so the pointer readers hold is never
// mutated, and so a failed save leaves the published state untouched.
func cloneSnapshot[T any](prev *T) *T {
	out := new(T)
	data, errMarshal := json.Marshal(prev)
	if errMarshal != nil {
		log.Errorf("config: clone snapshot: %v", errMarshal)
		return out
	}
	if errUnmarshal := json.Unmarshal(data, out); errUnmarshal != nil {
		log.Errorf("config: clone snapshot: %v", errUnmarshal)
		return new(T)
	}
	return out
}

func findProvider(doc *ProvidersDoc, endpoint, model string, target *ProviderEntry) *ProviderEntry {
	for _, entry := range doc.Lookup(endpoint, model) {
		if entry.SameCredential(target) {
			return entry
		}
	}
	return nil
}

func readJSON(path string, v any) error {
	data, errRead := os.ReadFile(path)
	if errRead != nil {
		return errRead
	}
	return json.Unmarshal(data, v)
}

// writeJSONAtomic writes v to a sibling temp file and renames it over path, so
// a reader never observes a partially written document. The temp file is
// removed on failure.
func writeJSONAtomic(path string, v any) error {
	data, errMarshal := json.MarshalIndent(v, "", "    ")
	if errMarshal != nil {
		return errMarshal
	}
	tmp := path + ".tmp"
	if errWrite := os.WriteFile(tmp, data, 0o644); errWrite != nil {
		_ = os.Remove(tmp)
		return errWrite
	}
	if errRename := os.Rename(tmp, path); errRename != nil {
		_ = os.Remove(tmp)
		return errRename
	}
	return nil
}
