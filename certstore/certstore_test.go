package certstore

import (
	"testing"

	"github.com/frankban/quicktest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	opts := DefaultOptions()
	opts.StoreDir = t.TempDir()
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestGetOrCreateCachesByCanonicalIdentity(t *testing.T) {
	c := quicktest.New(t)
	s := newTestStore(t)

	id1 := Identity{CommonName: "example.test", SANs: []string{"www.example.test", "example.test"}}
	id2 := Identity{CommonName: "example.test", SANs: []string{"example.test", "www.example.test"}}

	f1, err := s.GetOrCreate(id1)
	c.Assert(err, quicktest.IsNil)
	f2, err := s.GetOrCreate(id2)
	c.Assert(err, quicktest.IsNil)
	c.Assert(f1, quicktest.Equals, f2)
}

func TestMintedLeafCarriesSANs(t *testing.T) {
	c := quicktest.New(t)
	s := newTestStore(t)

	f, err := s.GetOrCreate(Identity{CommonName: "example.test", SANs: []string{"alt.example.test"}})
	c.Assert(err, quicktest.IsNil)
	c.Assert(f.Leaf.DNSNames, quicktest.Contains, "alt.example.test")
	c.Assert(f.Leaf.DNSNames, quicktest.Contains, "example.test")
}

func TestStrongSerialNumbersPersistAcrossStores(t *testing.T) {
	c := quicktest.New(t)
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.StoreDir = dir
	opts.StrongSerialNumber = true

	s1, err := New(opts)
	c.Assert(err, quicktest.IsNil)
	f1, err := s1.GetOrCreate(Identity{CommonName: "a.test"})
	c.Assert(err, quicktest.IsNil)

	s2, err := New(opts)
	c.Assert(err, quicktest.IsNil)
	f2, err := s2.GetOrCreate(Identity{CommonName: "b.test"})
	c.Assert(err, quicktest.IsNil)

	c.Assert(f2.Leaf.SerialNumber.Cmp(f1.Leaf.SerialNumber), quicktest.Equals, 1)
}
