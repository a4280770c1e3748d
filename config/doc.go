// Package config loads the smdlink daemon configuration.
//
// The file is YAML. Every key is optional: values absent from the file
// keep the defaults of the package that owns them. Durations are written
// as Go duration strings ("500ms", "10s").
//
//	timing:
//	  resume-timeout: 500ms
//	recovery:
//	  failure-threshold: 5
//	gpio:
//	  backend: sysfs
//	  lines:
//	    phone_on: {pin: 105}
//	    cp_reset: {pin: 106, active-low: true}
package config
