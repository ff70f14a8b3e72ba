// Package monitor provides the business boundary for carewatch's event
// classification and alert deduplication. It defines the Router (validation,
// event persistence, policy dispatch, caregiver fan-out), the per-type alert
// policies, the store interfaces (events, atomic alert dedup, alert reads) and
// the domain models.
package monitor
