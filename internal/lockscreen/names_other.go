//go:build !linux && !windows && !darwin

package lockscreen

var platformNames []string
