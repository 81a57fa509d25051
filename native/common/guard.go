package common

import "errors"

var (
	ErrModulePaused = errors.New("module paused")
	ErrNotPermitted = errors.New("account not permitted")
)

// PauseView reports whether a native module has been administratively halted.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard returns ErrModulePaused when the named module is paused. A nil view
// leaves every module running.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// Role identifies a capability an account may hold within a pool scope.
type Role uint8

const (
	RoleBorrower Role = iota + 1
	RoleLoanAdmin
	RolePolicyAdmin
)

// PermissionOracle answers whether an account holds a role for a scope. The
// oracle's own logic lives with the host; engines only consult it.
type PermissionOracle interface {
	Has(scope string, account [20]byte, role Role) bool
}

// Allow returns ErrNotPermitted when the oracle denies the role. A nil oracle
// grants everything, mirroring the nil PauseView behaviour.
func Allow(o PermissionOracle, scope string, account [20]byte, role Role) error {
	if o == nil {
		return nil
	}
	if !o.Has(scope, account, role) {
		return ErrNotPermitted
	}
	return nil
}
