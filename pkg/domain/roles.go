package domain

import (
	"slices"
	"strings"
)

// Role identifies the kind of actor performing an operation. The identity
// service supplies it; the core trusts it and only enforces capabilities.
type Role string

// Known roles.
const (
	RoleManufacturer Role = "MANUFACTURER"
	RoleDistributor  Role = "DISTRIBUTOR"
	RolePharmacy     Role = "PHARMACY"
	RoleConsumer     Role = "CONSUMER"
	RoleAdmin        Role = "ADMIN"
)

// ParseRole normalises a role name. Unknown names yield ("", false).
func ParseRole(name string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(name)))
	if _, ok := capabilities[r]; ok {
		return r, true
	}
	return "", false
}

// Operation names a capability checked server-side before an operation runs.
type Operation string

// Operations exposed by the core.
const (
	OpLotCreate            Operation = "lot.create"
	OpLotRead              Operation = "lot.read"
	OpVerificationCreate   Operation = "verification.create"
	OpVerificationRead     Operation = "verification.read"
	OpVerificationModerate Operation = "verification.moderate"
	OpDistributionCreate   Operation = "distribution.create"
	OpDistributionRead     Operation = "distribution.read"
	OpAuditRead            Operation = "audit.read"
	OpAuditExport          Operation = "audit.export"
)

var allOperations = []Operation{
	OpLotCreate,
	OpLotRead,
	OpVerificationCreate,
	OpVerificationRead,
	OpVerificationModerate,
	OpDistributionCreate,
	OpDistributionRead,
	OpAuditRead,
	OpAuditExport,
}

var capabilities = map[Role][]Operation{
	RoleManufacturer: {
		OpLotCreate, OpLotRead,
		OpVerificationCreate, OpVerificationRead, OpVerificationModerate,
		OpDistributionCreate, OpDistributionRead,
	},
	RoleDistributor: {
		OpLotRead,
		OpVerificationCreate, OpVerificationRead,
		OpDistributionCreate, OpDistributionRead,
	},
	RolePharmacy: {
		OpLotRead,
		OpVerificationCreate, OpVerificationRead,
	},
	RoleConsumer: {
		OpVerificationCreate, OpVerificationRead,
	},
	RoleAdmin: allOperations,
}

// Permits reports whether role may perform op.
func (r Role) Permits(op Operation) bool {
	return slices.Contains(capabilities[r], op)
}

// Operations returns the operations permitted to role, in declaration order.
func (r Role) Operations() []Operation {
	return slices.Clone(capabilities[r])
}

// Actor is the identity performing a mutating or reading call.
type Actor struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// Authorize returns a PermissionError unless the actor's role permits op.
func (a Actor) Authorize(op Operation) error {
	if a.Role.Permits(op) {
		return nil
	}
	return PermissionError{Role: a.Role, Operation: op}
}

// SystemActor is used for operations initiated by the process itself.
var SystemActor = Actor{Username: "system", Role: RoleAdmin}
