package cluster

// Role is a Node's position in the replication topology. Transitions
// only ever go Backup -> Primary; there is no demotion (§3).
type Role int32

const (
	RoleSingle Role = iota
	RolePrimary
	RoleBackup
)

func (r Role) String() string {
	switch r {
	case RoleSingle:
		return "single"
	case RolePrimary:
		return "primary"
	case RoleBackup:
		return "backup"
	default:
		return "unknown"
	}
}
