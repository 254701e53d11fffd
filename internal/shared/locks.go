package shared

import "hash/fnv"

// tenantLockNamespace keeps tax period locks apart from other advisory lock users.
const tenantLockNamespace = "tax:period-chain:"

// TenantLockKey returns the advisory lock key guarding a tenant's closing chain.
func TenantLockKey(tenant string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tenantLockNamespace + tenant))
	return int64(h.Sum64())
}
