package mcpmgr

import "fmt"

// ServerKey identifies one registered server within one tenant.
type ServerKey struct {
	Tenant string
	Server string
}

func (k ServerKey) String() string {
	return k.Tenant + "/" + k.Server
}

// flightKey scopes a singleflight call to one registration generation so a
// refresh started for a replaced registration is never shared with its
// successor.
func (k ServerKey) flightKey(gen uint64) string {
	return fmt.Sprintf("%q\x00%q\x00%d", k.Tenant, k.Server, gen)
}
