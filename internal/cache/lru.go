package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// residentIndex is an in-process accelerator mirroring which digests are
// currently READY, so ContentCache's READY lookup (tryServeReady) can find
// a digest's size without a SQLite round trip. It is never the
// source of truth: the cache_entry table is (see store.go); a process
// restart simply starts this index empty and it refills as gets happen.
type residentIndex struct {
	cache *lru.Cache[string, int64] // digest hex -> size bytes
}

func newResidentIndex() *residentIndex {
	// lru.New requires a positive entry cap; the byte bound is
	// ContentCache's own max_size_bytes accounting, not this cap. A digest
	// dropped from the index is looked up in SQLite again.
	c, err := lru.New[string, int64](1 << 20)
	if err != nil {
		// lru.New only errors on a non-positive size, which 1<<20 never is.
		panic(err)
	}
	return &residentIndex{cache: c}
}

func (r *residentIndex) add(digestHex string, sizeBytes int64) {
	r.cache.Add(digestHex, sizeBytes)
}

func (r *residentIndex) touch(digestHex string) (sizeBytes int64, resident bool) {
	return r.cache.Get(digestHex)
}

func (r *residentIndex) remove(digestHex string) {
	r.cache.Remove(digestHex)
}

func (r *residentIndex) len() int {
	return r.cache.Len()
}
