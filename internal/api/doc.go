// Package api exposes the REST surface for starting workflow sessions,
// querying and streaming their status, and minting or verifying
// short-lived document access tokens.
package api
