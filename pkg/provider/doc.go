/*
Package provider abstracts the hosted DNS backend behind the Provider
interface and ships the Cloudflare v4 implementation.

The client is deliberately policy-free: it classifies every failure
into a fault kind (auth, record-scope, transient) and returns it, but
never retries, sleeps, or logs. Retry and quarantine policy live in
the engine.

The Cloudflare client authenticates with a bearer token, follows the
API's pagination when listing zones and records, and preserves a
record's type, name, proxied flag, and TTL across value updates.
Requests are paced per account with a token-bucket limiter sized under
Cloudflare's published API budget.
*/
package provider
