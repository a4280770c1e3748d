// Package sysfs implements [hal.GPIO] on the Linux sysfs GPIO interface.
//
// Each configured line maps to a kernel GPIO number and is exported on
// demand through <root>/export. Levels are logical: a line marked active
// low reads as asserted when its value file holds 0.
//
// The root directory is configurable so the bank can run against a
// directory tree that mimics sysfs.
package sysfs
