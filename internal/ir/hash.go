package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix allows the
// algorithm to change without colliding with old cursors.
const (
	DomainQuery    = "replica/query/v1"
	DomainEntity   = "replica/entity/v1"
	DomainSnapshot = "replica/snapshot/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte keeps the domain/data boundary unambiguous.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// QueryHash identifies a query shape. Cursors embed it so a token issued for
// one query cannot be replayed against another. filter and sort are the
// canonical wire encodings (empty when absent).
func QueryHash(entityType string, filter, sort []byte, parent string) string {
	obj := IRObject{
		"type":   IRString(entityType),
		"filter": IRString(filter),
		"sort":   IRString(sort),
		"parent": IRString(parent),
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		// Only strings above; canonical encoding cannot fail.
		panic(fmt.Sprintf("QueryHash: %v", err))
	}
	return hashWithDomain(DomainQuery, canonical)
}

// EntityHash returns a content hash of an entity including its timestamps.
// Tests use it to assert that a rejected mutation left state byte-for-byte intact.
func EntityHash(e Entity) (string, error) {
	canonical, err := MarshalCanonical(e.Object())
	if err != nil {
		return "", fmt.Errorf("EntityHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEntity, canonical), nil
}

// SnapshotHash hashes a sequence of entities in the given order.
func SnapshotHash(entities []Entity) (string, error) {
	arr := make(IRArray, len(entities))
	for i, e := range entities {
		obj := e.Object()
		obj["__typename"] = IRString(e.Type)
		arr[i] = obj
	}
	canonical, err := MarshalCanonical(arr)
	if err != nil {
		return "", fmt.Errorf("SnapshotHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainSnapshot, canonical), nil
}
