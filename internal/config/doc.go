// Package config provides centralized configuration management for the
// spoutd runtime: the JSON runtime file loaded at startup plus sensible
// defaults for every omitted field, so a bare configuration still points at
// the public testnet deployment.
package config
