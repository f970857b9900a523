package pool

import "errors"

// ErrPoolExhausted means no warm unit is available and a replacement could
// not be provisioned (backend failure or capacity ceiling). Callers should
// treat it as retryable after backoff, not as a hard failure.
var ErrPoolExhausted = errors.New("compute pool exhausted")

// ErrProvisioningTimeout means the backend did not produce a ready unit
// within the provisioning deadline.
var ErrProvisioningTimeout = errors.New("unit provisioning timed out")
