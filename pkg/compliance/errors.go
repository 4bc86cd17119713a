package compliance

import "errors"

var (
	ErrControlNotFound     = errors.New("control not found")
	ErrEvidenceNotFound    = errors.New("evidence not found")
	ErrIntegrationNotFound = errors.New("integration not found or not owned by customer")
	ErrNoActiveIntegration = errors.New("no active integration for customer")
	ErrCheckNotFound       = errors.New("compliance check not found")
)
