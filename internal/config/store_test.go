package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStore(filepath.Join(dir, "providers.json"), filepath.Join(dir, "users.json"))
}

func sampleProviders() *ProvidersDoc {
	return &ProvidersDoc{
		Endpoints: map[string]*EndpointConfig{
			"/v1/chat/completions": {
				Models: map[string][]*ProviderEntry{
					"gpt-4o": {
						{ProviderName: "alpha-one", BaseURL: "https://a.example", APIKey: "k1", Model: "gpt-4o", Priority: 1, Owner: "openai", TokenMultiplier: 1.0},
						{ProviderName: "beta-two", BaseURL: "https://b.example", APIKey: "k2", Model: "gpt-4o-mini", Priority: 2, Owner: "openai", TokenMultiplier: 2.0},
					},
				},
			},
		},
	}
}

func TestStore_RoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	errMutate := s.MutateProviders(func(doc *ProvidersDoc) error {
		*doc = *sampleProviders()
		return nil
	})
	if errMutate != nil {
		t.Fatalf("mutate providers: %v", errMutate)
	}

	reloaded := NewStore(s.providersPath, s.usersPath)
	reloaded.Load()

	got := reloaded.Providers().Lookup("/v1/chat/completions", "gpt-4o")
	if len(got) != 2 {
		t.Fatalf("expected 2 providers after reload, got %d", len(got))
	}
	if got[0].ProviderName != "alpha-one" || got[1].TokenMultiplier != 2.0 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestStore_MissingFilesDegradeToEmpty(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	s.Load()

	if len(s.Providers().Endpoints) != 0 {
		t.Fatalf("expected empty provider doc")
	}
	if s.Users().AuthEnabled() {
		t.Fatalf("expected auth disabled with missing user file")
	}
}

func TestStore_CorruptFileKeepsLastGoodSnapshot(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	errMutate := s.MutateProviders(func(doc *ProvidersDoc) error {
		*doc = *sampleProviders()
		return nil
	})
	if errMutate != nil {
		t.Fatalf("mutate providers: %v", errMutate)
	}

	if errWrite := os.WriteFile(s.providersPath, []byte("{not json"), 0o644); errWrite != nil {
		t.Fatalf("write corrupt file: %v", errWrite)
	}
	s.Load()

	if got := s.Providers().Lookup("/v1/chat/completions", "gpt-4o"); len(got) != 2 {
		t.Fatalf("expected last good snapshot to survive corrupt reload, got %d providers", len(got))
	}
}

func TestStore_CorruptFileMutationWorksOnCopy(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	errSeed := s.MutateUsers(func(doc *UsersDoc) error {
		doc.Users["sk-a"] = &UserAccount{Username: "a", Plan: "500k", Enabled: true}
		return nil
	})
	if errSeed != nil {
		t.Fatalf("seed users: %v", errSeed)
	}
	if errWrite := os.WriteFile(s.usersPath, []byte("{not json"), 0o644); errWrite != nil {
		t.Fatalf("write corrupt file: %v", errWrite)
	}

	before := s.Users()
	errMutate := s.MutateUsers(func(doc *UsersDoc) error {
		doc.Users["sk-b"] = &UserAccount{Username: "b", Plan: "0", Enabled: true}
		return nil
	})
	if errMutate != nil {
		t.Fatalf("mutate users: %v", errMutate)
	}

	if _, leaked := before.Users["sk-b"]; leaked {
		t.Fatalf("writer must not mutate the previously published snapshot")
	}
	after := s.Users()
	if after == before {
		t.Fatalf("expected a fresh snapshot pointer after mutate")
	}
	if after.Users["sk-a"] == nil || after.Users["sk-b"] == nil {
		t.Fatalf("expected last good accounts plus the new one, got %d users", len(after.Users))
	}
}

func TestStore_SaveFailureDoesNotPublish(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	// Point the users path at a directory so the rename fails.
	blocked := filepath.Join(dir, "users.json")
	if errMkdir := os.Mkdir(blocked, 0o755); errMkdir != nil {
		t.Fatalf("mkdir: %v", errMkdir)
	}
	s := NewStore(filepath.Join(dir, "providers.json"), blocked)

	errMutate := s.MutateUsers(func(doc *UsersDoc) error {
		doc.Users["sk-x"] = &UserAccount{Username: "x", Plan: "0", Enabled: true}
		return nil
	})
	if errMutate == nil {
		t.Fatalf("expected save failure")
	}
	if s.Users().AuthEnabled() {
		t.Fatalf("failed save must not advance the published snapshot")
	}
	if _, errStat := os.Stat(blocked + ".tmp"); !os.IsNotExist(errStat) {
		t.Fatalf("temp file should be removed after failed save")
	}
}

func TestStore_FailureCounterLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	errMutate := s.MutateProviders(func(doc *ProvidersDoc) error {
		*doc = *sampleProviders()
		return nil
	})
	if errMutate != nil {
		t.Fatalf("mutate providers: %v", errMutate)
	}
	target := s.Providers().Lookup("/v1/chat/completions", "gpt-4o")[0]

	s.RecordProviderFailure("/v1/chat/completions", "gpt-4o", target)
	s.RecordProviderFailure("/v1/chat/completions", "gpt-4o", target)
	if got := s.Providers().Lookup("/v1/chat/completions", "gpt-4o")[0].ConsecutiveFailures; got != 2 {
		t.Fatalf("expected 2 consecutive failures, got %d", got)
	}

	s.ResetProviderFailure("/v1/chat/completions", "gpt-4o", target)
	if got := s.Providers().Lookup("/v1/chat/completions", "gpt-4o")[0].ConsecutiveFailures; got != 0 {
		t.Fatalf("expected failure counter reset, got %d", got)
	}
}

func TestStore_RemoveProviderIsDisabled(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	errMutate := s.MutateProviders(func(doc *ProvidersDoc) error {
		*doc = *sampleProviders()
		return nil
	})
	if errMutate != nil {
		t.Fatalf("mutate providers: %v", errMutate)
	}
	target := s.Providers().Lookup("/v1/chat/completions", "gpt-4o")[0]

	if errRemove := s.RemoveProvider("/v1/chat/completions", "gpt-4o", target); errRemove != nil {
		t.Fatalf("disabled removal must be a silent no-op, got %v", errRemove)
	}
	if got := len(s.Providers().Lookup("/v1/chat/completions", "gpt-4o")); got != 2 {
		t.Fatalf("provider list must be untouched, got %d entries", got)
	}
}

func TestBuildModelList_SkipsAlphaAndEmpty(t *testing.T) {
	t.Parallel()
	doc := sampleProviders()
	doc.Endpoints["/v1/chat/completions"].Models["secret-alpha"] = []*ProviderEntry{
		{ProviderName: "priv", BaseURL: "https://p.example", APIKey: "k", Alpha: true},
	}
	doc.Endpoints["/v1/chat/completions"].Models["orphan"] = nil

	list := BuildModelList(doc)
	if len(list) != 1 {
		t.Fatalf("expected 1 listed model, got %d", len(list))
	}
	if list[0].ID != "gpt-4o" || list[0].OwnedBy != "openai" || list[0].Endpoint != "/v1/chat/completions" {
		t.Fatalf("unexpected listing: %+v", list[0])
	}
}

func TestWriteJSONAtomic_NoPartialReads(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	doc := map[string]int{"a": 1}
	if errWrite := writeJSONAtomic(path, doc); errWrite != nil {
		t.Fatalf("write: %v", errWrite)
	}
	data, errRead := os.ReadFile(path)
	if errRead != nil {
		t.Fatalf("read: %v", errRead)
	}
	var got map[string]int
	if errUnmarshal := json.Unmarshal(data, &got); errUnmarshal != nil {
		t.Fatalf("unmarshal: %v", errUnmarshal)
	}
	if got["a"] != 1 {
		t.Fatalf("unexpected content: %v", got)
	}
}
