// Package config loads the YAML configuration shared by the fairfy agent and
// the fairfyd verifier, fills defaults relative to the config file location and
// validates the attestation parameters before anything touches a process.
package config
