package proxy

import "fmt"

// AccessDeniedError reports a capability that was not granted, a method
// outside the catalog, or a guard rejection. Raised into the script as a
// regular exception so the author can catch and adapt.
type AccessDeniedError struct {
	Method string
	Reason string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("AccessDenied: %s: %s", e.Method, e.Reason)
}

// BudgetExceededError reports a per-classification cap that was hit.
type BudgetExceededError struct {
	Method string
	Reason string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("BudgetExceeded: %s: %s", e.Method, e.Reason)
}

// InvalidApprovalError reports an apply run that presented a missing,
// expired, or already-consumed approval token.
type InvalidApprovalError struct {
	Method string
}

func (e *InvalidApprovalError) Error() string {
	return fmt.Sprintf("InvalidApproval: %s: approval token is missing, expired, or consumed", e.Method)
}
