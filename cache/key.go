package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/warp/alarm-engine/alarm"
)

// Kind tags a key with the entity it caches. Invalidation works per kind.
type Kind string

const (
	KindAlarms    Kind = "alarms"
	KindTemplates Kind = "templates"
)

var AllKinds = []Kind{KindAlarms, KindTemplates}

// Key identifies one cached result.
type Key struct {
	Kind      Kind
	Op        string // fetch, count, get
	Predicate string
	Sort      string
	Limit     int
	Offset    int
}

// QueryKey builds the key for a query-shaped read.
func QueryKey(kind Kind, op string, q alarm.Query) Key {
	return Key{
		Kind:      kind,
		Op:        op,
		Predicate: q.Filter.Describe(),
		Sort:      q.Sort.Describe(),
		Limit:     q.Limit,
		Offset:    q.Offset,
	}
}

// IDKey builds the key for a single-record read.
func IDKey(kind Kind, id alarm.ID) Key {
	return Key{Kind: kind, Op: "get", Predicate: "id=" + string(id)}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s|%s|limit=%d|offset=%d", k.Kind, k.Op, k.Predicate, k.Sort, k.Limit, k.Offset)
}

// Fingerprint is a stable digest of the canonical key string.
func (k Key) Fingerprint() string {
	sum := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}
