// Package memory acquires the address space of a target process: it lists
// mapped regions from /proc/<pid>/maps, filters them by policy, reads their
// bytes through /proc/<pid>/mem and concatenates the readable ones into a
// snapshot image.
package memory
