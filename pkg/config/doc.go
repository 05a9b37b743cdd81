/*
Package config loads, validates, and persists the operator
configuration: accounts, zone references, rotation jobs, traffic
triggers, and agents, as one YAML document.

Validation is exhaustive and up-front. Every job must reference an
existing account and zone, intervals respect the five-minute floor,
pool entries must parse as addresses of the declared record family,
and IDs must be unique. Any failure rejects the whole document naming
the first offending entity, so the engine only ever operates on
well-typed values.

Writes go through a temporary sibling file, fsync, and rename. The
engine never writes the config; an operator tool using Save and the
engine reading at tick boundaries can share the file without either
observing a torn document.
*/
package config
