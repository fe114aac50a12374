package rediskey

import "fmt"

const (
	IdempotencyPrefix = "idempotency"
	BountyLockPrefix  = "bounty:lock"
	SequencePrefix    = "seq"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildIdempotencyKey returns "idempotency:{key}"
func BuildIdempotencyKey(key string) string {
	return NamespaceKey(IdempotencyPrefix, key)
}

// BuildBountyLockKey returns "bounty:lock:{bountyID}"
func BuildBountyLockKey(bountyID string) string {
	return NamespaceKey(BountyLockPrefix, bountyID)
}

// BuildSequenceKey returns "seq:{name}:{day}"
func BuildSequenceKey(name, day string) string {
	return NamespaceKey(SequencePrefix, NamespaceKey(name, day))
}
