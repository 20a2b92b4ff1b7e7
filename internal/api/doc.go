// Package api exposes the relay's REST interface: submitting Safe
// transactions, querying relay jobs and computing safeTxHash previews.
package api
